package quiz

import (
	"os"
	"strings"

	"golang.org/x/text/language"
)

// Languages the API localizes breed names into
const (
	LangEnglish = "en"
	LangChinese = "zh"
)

var supportedBases = map[language.Base]string{
	language.MustParseBase(LangEnglish): LangEnglish,
	language.MustParseBase(LangChinese): LangChinese,
}

// MatchLanguage returns the first supported language among prefs, or English.
// Each preference may be a BCP 47 tag ("zh-TW") or a POSIX locale ("zh_TW.UTF-8").
func MatchLanguage(prefs ...string) string {
	for _, pref := range prefs {
		tag, err := language.Parse(normalizeLocale(pref))
		if err != nil || tag == language.Und {
			continue
		}
		base, conf := tag.Base()
		if conf == language.No {
			continue
		}
		if code, ok := supportedBases[base]; ok {
			return code
		}
	}
	return LangEnglish
}

// DetectLanguage picks the language from LANGUAGE, LC_ALL, LC_MESSAGES and LANG
func DetectLanguage() string {
	var prefs []string
	if v := os.Getenv("LANGUAGE"); v != "" {
		prefs = append(prefs, strings.Split(v, ":")...)
	}
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			prefs = append(prefs, v)
		}
	}
	return MatchLanguage(prefs...)
}

// normalizeLocale turns "zh_TW.UTF-8@latin" into "zh-TW"
func normalizeLocale(locale string) string {
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	if locale == "C" || locale == "POSIX" {
		return ""
	}
	return strings.ReplaceAll(strings.TrimSpace(locale), "_", "-")
}
