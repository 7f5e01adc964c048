package models

// RawRecord is one source-shaped row: column name to value.
// CSV sources produce strings; JSON sources produce strings, float64,
// json.Number, bool or nil.
type RawRecord map[string]interface{}

// RawFromStrings builds a RawRecord from a CSV header and row
func RawFromStrings(header, row []string) RawRecord {
	rec := make(RawRecord, len(header))
	for i, col := range header {
		if i < len(row) {
			rec[col] = row[i]
		} else {
			rec[col] = ""
		}
	}
	return rec
}
