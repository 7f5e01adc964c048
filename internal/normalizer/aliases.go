package normalizer

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"comex-platform/internal/models"
)

// Field is a logical canonical field looked up through aliases.
type Field string

const (
	FieldProductCode         Field = "product_code"
	FieldProductDescription  Field = "product_description"
	FieldFOBValue            Field = "fob_value"
	FieldFreightValue        Field = "freight_value"
	FieldInsuranceValue      Field = "insurance_value"
	FieldNetWeight           Field = "net_weight"
	FieldGrossWeight         Field = "gross_weight"
	FieldStatisticalQuantity Field = "statistical_quantity"
	FieldStatisticalUnit     Field = "statistical_unit"
	FieldCountry             Field = "counterpart_country"
	FieldRegion              Field = "region"
	FieldTransportMode       Field = "transport_mode"
	FieldOperationDate       Field = "operation_date"
	FieldYear                Field = "year"
	FieldMonth               Field = "month"
	FieldOperationKind       Field = "operation_kind"
	FieldImporterName        Field = "importer_name"
	FieldImporterTaxID       Field = "importer_tax_id"
	FieldExporterName        Field = "exporter_name"
	FieldExporterTaxID       Field = "exporter_tax_id"
	FieldCompanyName         Field = "company_name"
	FieldCompanyTaxID        Field = "company_tax_id"
)

var knownFields = map[Field]bool{
	FieldProductCode: true, FieldProductDescription: true, FieldFOBValue: true,
	FieldFreightValue: true, FieldInsuranceValue: true, FieldNetWeight: true,
	FieldGrossWeight: true, FieldStatisticalQuantity: true, FieldStatisticalUnit: true,
	FieldCountry: true, FieldRegion: true, FieldTransportMode: true,
	FieldOperationDate: true, FieldYear: true, FieldMonth: true, FieldOperationKind: true,
	FieldImporterName: true, FieldImporterTaxID: true, FieldExporterName: true,
	FieldExporterTaxID: true, FieldCompanyName: true, FieldCompanyTaxID: true,
}

//go:embed aliases.yaml
var defaultAliasesYAML []byte

// AliasTable maps each field to its ordered, folded column aliases.
type AliasTable struct {
	aliases map[Field][]string
}

// DefaultAliasTable returns the built-in table
func DefaultAliasTable() *AliasTable {
	t, err := parseAliasTable(defaultAliasesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded alias table is invalid: %v", err))
	}
	return t
}

// LoadAliasTable returns the built-in table extended with the aliases in extraPath.
// Extra aliases are appended after the built-in ones; an empty path returns the defaults.
func LoadAliasTable(extraPath string) (*AliasTable, error) {
	table := DefaultAliasTable()
	if extraPath == "" {
		return table, nil
	}

	data, err := os.ReadFile(extraPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read alias file: %w", err)
	}
	extra, err := parseAliasTable(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse alias file %s: %w", extraPath, err)
	}
	table.Extend(extra)
	return table, nil
}

func parseAliasTable(data []byte) (*AliasTable, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	t := &AliasTable{aliases: make(map[Field][]string, len(raw))}
	for name, aliases := range raw {
		field := Field(name)
		if !knownFields[field] {
			return nil, fmt.Errorf("unknown field %q", name)
		}
		for _, a := range aliases {
			t.add(field, a)
		}
	}
	return t, nil
}

func (t *AliasTable) add(field Field, alias string) {
	key := FoldKey(alias)
	if key == "" {
		return
	}
	for _, existing := range t.aliases[field] {
		if existing == key {
			return
		}
	}
	t.aliases[field] = append(t.aliases[field], key)
}

// Extend appends other's aliases after the receiver's
func (t *AliasTable) Extend(other *AliasTable) {
	fields := make([]string, 0, len(other.aliases))
	for f := range other.aliases {
		fields = append(fields, string(f))
	}
	sort.Strings(fields)
	for _, f := range fields {
		for _, a := range other.aliases[Field(f)] {
			t.add(Field(f), a)
		}
	}
}

// Aliases returns the folded aliases for field in priority order
func (t *AliasTable) Aliases(field Field) []string {
	return t.aliases[field]
}

// Row is a raw record indexed by folded column name.
type Row struct {
	values map[string]interface{}
}

// Index folds the record's column names once so lookups are map hits.
// When two columns fold to the same key, the first in sorted order wins.
func Index(raw models.RawRecord) Row {
	cols := make([]string, 0, len(raw))
	for col := range raw {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	values := make(map[string]interface{}, len(raw))
	for _, col := range cols {
		key := FoldKey(col)
		if _, dup := values[key]; dup {
			continue
		}
		values[key] = raw[col]
	}
	return Row{values: values}
}

// Lookup returns the raw value of the first alias present with a non-empty value
func (t *AliasTable) Lookup(row Row, field Field) (interface{}, bool) {
	for _, alias := range t.aliases[field] {
		v, ok := row.values[alias]
		if !ok {
			continue
		}
		if CoerceString(v) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

// LookupString is Lookup followed by CoerceString
func (t *AliasTable) LookupString(row Row, field Field) string {
	v, ok := t.Lookup(row, field)
	if !ok {
		return ""
	}
	return CoerceString(v)
}

// LookupAll returns every non-empty value for field in alias priority order
func (t *AliasTable) LookupAll(row Row, field Field) []interface{} {
	var out []interface{}
	for _, alias := range t.aliases[field] {
		if v, ok := row.values[alias]; ok && CoerceString(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
