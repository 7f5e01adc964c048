package sources

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"comex-platform/internal/models"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Single-byte encodings tried after UTF-8, in priority order.
// A candidate is rejected when the text holds C1 control bytes it cannot represent.
var legacyEncodings = []struct {
	name     string
	encoding encoding.Encoding
	strictC1 bool
}{
	{"iso-8859-1", charmap.ISO8859_1, true},
	{"windows-1252", charmap.Windows1252, false},
}

// DecodeText converts data to UTF-8 trying UTF-8, Latin-1 (ISO-8859-1) and Windows-1252.
// It returns the decoded text and the name of the encoding that was accepted.
func DecodeText(data []byte) (string, string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), "utf-8", nil
	}

	for _, candidate := range legacyEncodings {
		if candidate.strictC1 && hasC1Controls(data) {
			continue
		}
		out, err := candidate.encoding.NewDecoder().Bytes(data)
		if err != nil {
			continue
		}
		return string(out), candidate.name, nil
	}
	return "", "", errors.New("no supported encoding could decode the file")
}

// C1 bytes are printable in Windows-1252 but control codes in ISO-8859-1
func hasC1Controls(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 && b <= 0x9F {
			return true
		}
	}
	return false
}

// ParseCSV decodes a delimited export into raw records keyed by header.
// Semicolon is the expected delimiter; a comma file is detected from its header.
func ParseCSV(data []byte) ([]models.RawRecord, string, error) {
	text, enc, err := DecodeText(data)
	if err != nil {
		return nil, "", err
	}

	delimiter := ';'
	firstLine := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		firstLine = text[:i]
	}
	if !strings.Contains(firstLine, ";") && strings.Contains(firstLine, ",") {
		delimiter = ','
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = delimiter
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, enc, nil
	}
	if err != nil {
		return nil, enc, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var records []models.RawRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return records, enc, fmt.Errorf("failed to read CSV row %d: %w", len(records)+2, err)
		}
		if blankRow(row) {
			continue
		}
		records = append(records, models.RawFromStrings(header, row))
	}
	return records, enc, nil
}

func blankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
