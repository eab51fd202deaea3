package ocr

import (
	"fmt"
	"regexp"
	"strings"
)

// Response は OCR API の応答です。
type Response struct {
	Pages []Page `json:"pages"`
}

// Page は1ページ分の認識結果です。
type Page struct {
	Index    int     `json:"index"`
	Markdown string  `json:"markdown"`
	Images   []Image `json:"images"`
}

// Image はページに埋め込まれた画像です。
type Image struct {
	ID          string `json:"id"`
	ImageBase64 string `json:"image_base64"`
}

// ImageData は成果物に書き出す画像です。
type ImageData struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// Document は正規化済みの OCR 結果です。
type Document struct {
	Markdown string      `json:"markdown"`
	Images   []ImageData `json:"images"`
}

// ImagePath は画像 ID に対応する成果物内の相対パスです。
func ImagePath(id string) string {
	return "images/" + id + ".png"
}

// Normalize は全ページの Markdown を1つにまとめ、画像参照を images/<id>.png に書き換えます。
// 処理中に問題が起きてもパニックは外に出さず、エラー内容を本文に埋め込んだ結果を返します。
func Normalize(resp *Response) (doc Document) {
	defer func() {
		if r := recover(); r != nil {
			doc = Document{Markdown: fmt.Sprintf("[error: failed to process OCR result - %v]", r)}
		}
	}()
	if resp == nil {
		return Document{}
	}

	var b strings.Builder
	images := make([]ImageData, 0)
	for _, page := range resp.Pages {
		md := page.Markdown
		for _, img := range page.Images {
			if img.ID == "" || img.ImageBase64 == "" {
				continue
			}
			images = append(images, ImageData{ID: img.ID, Data: img.ImageBase64})
			md = rewriteImageLinks(md, img.ID)
		}
		b.WriteString(md)
		b.WriteString("\n\n")
	}

	return Document{
		Markdown: strings.TrimSpace(b.String()),
		Images:   images,
	}
}

func rewriteImageLinks(md, id string) string {
	re := regexp.MustCompile(`!\[([^\]]*?)\]\(` + regexp.QuoteMeta(id) + `\)`)
	path := ImagePath(id)
	return re.ReplaceAllStringFunc(md, func(match string) string {
		alt := re.FindStringSubmatch(match)[1]
		if alt == "" {
			alt = id
		}
		return "![" + alt + "](" + path + ")"
	})
}
