package smtp

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// maxMultipartDepth 嵌套 multipart 的最大解析深度
const maxMultipartDepth = 8

// ParsedEmail 表示解析后的邮件内容。
type ParsedEmail struct {
	Subject string
	Text    string
	HTML    string
	// Date 来自 Date 头，缺失或无法解析时为零值。
	Date time.Time
}

// ParseEmail 解析邮件，提取主题、文本、HTML 和发送时间。
//
// 解析不会失败：头部无法解析时整封原文作为纯文本，
// 正文结构损坏时保留已解析的部分，仍然为空则使用原始正文。
func ParseEmail(rawEmail []byte) *ParsedEmail {
	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		return &ParsedEmail{Text: string(rawEmail)}
	}

	parsed := &ParsedEmail{
		Subject: decodeHeader(msg.Header.Get("Subject")),
	}
	if date, err := msg.Header.Date(); err == nil {
		parsed.Date = date
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return parsed
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		parsed.Text = decodeBody(bytes.NewReader(body), msg.Header.Get("Content-Transfer-Encoding"), "")
		return parsed
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary != "" {
			parseMultipart(multipart.NewReader(bytes.NewReader(body), boundary), parsed, 0)
		}
		if parsed.Text == "" && parsed.HTML == "" {
			parsed.Text = string(body)
		}
		return parsed
	}

	decoded := decodeBody(bytes.NewReader(body), msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = decoded
	} else {
		parsed.Text = decoded
	}
	return parsed
}

// parseMultipart 递归解析多部分邮件，只保留第一段文本和第一段 HTML。
// 附件不入库。
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail, depth int) {
	if depth >= maxMultipartDepth {
		return
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			// io.EOF 或结构损坏，保留已解析的部分
			return
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
			if dispType, _, _ := mime.ParseMediaType(disposition); dispType == "attachment" {
				continue
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				parseMultipart(multipart.NewReader(part, boundary), parsed, depth+1)
			}
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if parsed.HTML == "" {
				parsed.HTML = decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
			}
		case strings.HasPrefix(mediaType, "text/plain"):
			if parsed.Text == "" {
				parsed.Text = decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
			}
		}
	}
}

// decodeBody 根据传输编码和字符集解码邮件体，解码失败时返回原始内容。
// multipart.Part 已自行解码 quoted-printable 并去掉了对应头部。
func decodeBody(reader io.Reader, transferEncoding string, charset string) string {
	raw, err := io.ReadAll(reader)
	if err != nil {
		return string(raw)
	}

	body := raw
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		if decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, bytes.NewReader(raw))); err == nil {
			body = decoded
		}
	case "quoted-printable":
		if decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw))); err == nil {
			body = decoded
		}
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := charsetEncoding(charset); enc != nil {
			if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
				body = converted
			}
		}
	}

	return string(body)
}

// charsetEncoding 根据字符集名称返回编码，未知字符集返回 nil
//
// 名称按 WHATWG 编码标准解析，iso-8859-1 等别名与浏览器行为一致。
func charsetEncoding(charset string) encoding.Encoding {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil
	}
	return enc
}

// headerDecoder 支持非 UTF-8 字符集的 RFC 2047 编码字
var headerDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		if enc := charsetEncoding(strings.ToLower(charset)); enc != nil {
			return transform.NewReader(input, enc.NewDecoder()), nil
		}
		return input, nil
	},
}

// decodeHeader 解码 RFC 2047 编码的头部，失败时返回原值
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoded, err := headerDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
