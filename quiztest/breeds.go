package quiztest

import "fmt"

type breed struct {
	Slug   string
	NameEN string
	NameZH string
}

var breeds = []breed{
	{Slug: "shiba-inu", NameEN: "Shiba Inu", NameZH: "柴犬"},
	{Slug: "golden-retriever", NameEN: "Golden Retriever", NameZH: "黃金獵犬"},
	{Slug: "corgi", NameEN: "Pembroke Welsh Corgi", NameZH: "柯基"},
	{Slug: "husky", NameEN: "Siberian Husky", NameZH: "哈士奇"},
	{Slug: "poodle", NameEN: "Poodle", NameZH: "貴賓犬"},
	{Slug: "beagle", NameEN: "Beagle", NameZH: "米格魯"},
	{Slug: "border-collie", NameEN: "Border Collie", NameZH: "邊境牧羊犬"},
	{Slug: "dachshund", NameEN: "Dachshund", NameZH: "臘腸犬"},
}

// ChoicesPerQuestion is how many breeds each question offers
const ChoicesPerQuestion = 4

type breedJSON struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type breedStat struct {
	Attempts int
	Correct  int
}

func breedBySlug(slug string) (breed, bool) {
	for _, b := range breeds {
		if b.Slug == slug {
			return b, true
		}
	}
	return breed{}, false
}

func (b breed) toJSON(lang string) breedJSON {
	if lang == "zh" {
		return breedJSON{Slug: b.Slug, Name: b.NameZH}
	}
	return breedJSON{Slug: b.Slug, Name: b.NameEN}
}

func (b breed) imageURL(n int) string {
	return fmt.Sprintf("https://images.dog.ceo/breeds/%s/%d.jpg", b.Slug, n)
}

func choicesJSON(slugs []string, lang string) []breedJSON {
	out := make([]breedJSON, 0, len(slugs))
	for _, slug := range slugs {
		if b, ok := breedBySlug(slug); ok {
			out = append(out, b.toJSON(lang))
		}
	}
	return out
}
