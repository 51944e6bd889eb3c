// Пакет markup: преобразование markdown описаний внешних объектов в HTML
// для поискового индекса.
package markup

import (
	"bytes"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Теги <em> заняты подсветкой совпадений в поисковом индексе.
var emReplacer = strings.NewReplacer("<em>", "<b>", "</em>", "</b>")

// ToHTML рендерит markdown в HTML. Сырой HTML из исходника отбрасывается.
// Курсив выводится как <b>. При ошибке рендеринга возвращается экранированный исходный текст.
func ToHTML(src string) string {
	if src == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return html.EscapeString(src)
	}
	return emReplacer.Replace(buf.String())
}
