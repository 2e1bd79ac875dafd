package tracking

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// decodeBody 按传输编码和字符集把正文解码为 UTF-8 文本
func decodeBody(body []byte, transferEncoding, charset string) (string, error) {
	var reader io.Reader = bytes.NewReader(body)

	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		reader = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		reader = quotedprintable.NewReader(reader)
	case "7bit", "8bit", "binary", "":
	default:
		return "", fmt.Errorf("unsupported transfer encoding %q", transferEncoding)
	}

	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("decode %s body: %w", transferEncoding, err)
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return string(decoded), nil
	}

	enc := charsetEncoding(charset)
	if enc == nil {
		return "", fmt.Errorf("unknown charset %q", charset)
	}
	converted, _, err := transform.Bytes(enc.NewDecoder(), decoded)
	if err != nil {
		return "", fmt.Errorf("convert charset %q: %w", charset, err)
	}
	return string(converted), nil
}

// charsetEncoding 根据字符集名称返回编码
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk":
		return simplifiedchinese.GBK
	case "gb18030":
		return simplifiedchinese.GB18030
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "shift_jis":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	}
	if enc, err := htmlindex.Get(charset); err == nil {
		return enc
	}
	return nil
}

// encodeQuotedPrintable 将文本编码为 quoted-printable
func encodeQuotedPrintable(text string) ([]byte, error) {
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	if _, err := io.WriteString(w, text); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
