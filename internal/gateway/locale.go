package gateway

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/text/language"
)

const (
	// LocaleCookie overrides Accept-Language when set.
	LocaleCookie     = "console_locale"
	localeContextKey = "console_locale"
)

// LocaleNegotiator picks the request locale from the supported set.
type LocaleNegotiator struct {
	supported []language.Tag
	matcher   language.Matcher
}

// NewLocaleNegotiator parses the supported locales; the first one is the fallback.
// Unparseable entries are skipped.
func NewLocaleNegotiator(supportedLocales []string) *LocaleNegotiator {
	supported := make([]language.Tag, 0, len(supportedLocales))
	for _, locale := range supportedLocales {
		tag, err := language.Parse(locale)
		if err != nil {
			continue
		}
		supported = append(supported, tag)
	}
	if len(supported) == 0 {
		supported = []language.Tag{language.English}
	}
	return &LocaleNegotiator{supported: supported, matcher: language.NewMatcher(supported)}
}

// Negotiate returns the best supported locale for the cookie and Accept-Language values.
func (negotiator *LocaleNegotiator) Negotiate(cookieValue string, acceptLanguage string) string {
	_, index := language.MatchStrings(negotiator.matcher, cookieValue, acceptLanguage)
	return negotiator.supported[index].String()
}

// Handler returns the locale pipeline stage.
func (negotiator *LocaleNegotiator) Handler() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		cookieValue, _ := contextGin.Cookie(LocaleCookie)
		locale := negotiator.Negotiate(cookieValue, contextGin.GetHeader("Accept-Language"))
		contextGin.Set(localeContextKey, locale)
		contextGin.Header("Content-Language", locale)
		contextGin.Next()
	}
}

// Locale returns the negotiated locale of the request.
func Locale(contextGin *gin.Context) string {
	return contextGin.GetString(localeContextKey)
}
