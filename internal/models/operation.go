package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProductCodeWidth is the canonical NCM digit count.
const ProductCodeWidth = 8

// MinProductCodeDigits is the fewest digits a source code may carry and still identify a product.
const MinProductCodeDigits = 4

// OperationKind distinguishes imports from exports
type OperationKind string

const (
	KindImport OperationKind = "import"
	KindExport OperationKind = "export"
)

// AllKinds lists the kinds ingested by default, in processing order
var AllKinds = []OperationKind{KindImport, KindExport}

// ParseOperationKind accepts English and Portuguese spellings and the IMP/EXP file prefixes
func ParseOperationKind(s string) (OperationKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "import", "imports", "imp", "importacao", "importação", "i":
		return KindImport, nil
	case "export", "exports", "exp", "exportacao", "exportação", "e":
		return KindExport, nil
	}
	return "", fmt.Errorf("unknown operation kind %q", s)
}

// ParseOperationKinds parses a comma separated list, e.g. "import,export"
func ParseOperationKinds(s string) ([]OperationKind, error) {
	var kinds []OperationKind
	seen := make(map[OperationKind]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kind, err := ParseOperationKind(part)
		if err != nil {
			return nil, err
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no operation kinds in %q", s)
	}
	return kinds, nil
}

// FilePrefix returns the bulk file naming prefix (IMP / EXP)
func (k OperationKind) FilePrefix() string {
	if k == KindExport {
		return "EXP"
	}
	return "IMP"
}

// Valid reports whether k is one of the two known kinds
func (k OperationKind) Valid() bool {
	return k == KindImport || k == KindExport
}

// TransportMode is the closed set of transport modes.
type TransportMode string

const (
	TransportSea      TransportMode = "sea"
	TransportAir      TransportMode = "air"
	TransportRoad     TransportMode = "road"
	TransportRail     TransportMode = "rail"
	TransportPipeline TransportMode = "pipeline"
	TransportPostal   TransportMode = "postal"
	TransportOther    TransportMode = "other"
)

// CanonicalOperation is one normalized foreign-trade transaction line.
// Optional measures are pointers: nil means the source did not supply the column.
type CanonicalOperation struct {
	ID                  int64            `json:"id,omitempty" db:"id"`
	ProductCode         string           `json:"product_code" db:"product_code"`
	ProductDescription  string           `json:"product_description,omitempty" db:"product_description"`
	OperationKind       OperationKind    `json:"operation_kind" db:"operation_kind"`
	CounterpartCountry  string           `json:"counterpart_country" db:"counterpart_country"`
	Region              string           `json:"region" db:"region"`
	TransportMode       TransportMode    `json:"transport_mode" db:"transport_mode"`
	FOBValue            decimal.Decimal  `json:"fob_value" db:"fob_value"`
	FreightValue        *decimal.Decimal `json:"freight_value,omitempty" db:"freight_value"`
	InsuranceValue      *decimal.Decimal `json:"insurance_value,omitempty" db:"insurance_value"`
	NetWeightKg         *decimal.Decimal `json:"net_weight_kg,omitempty" db:"net_weight_kg"`
	GrossWeightKg       *decimal.Decimal `json:"gross_weight_kg,omitempty" db:"gross_weight_kg"`
	StatisticalQuantity *decimal.Decimal `json:"statistical_quantity,omitempty" db:"statistical_quantity"`
	StatisticalUnit     string           `json:"statistical_unit,omitempty" db:"statistical_unit"`
	OperationDate       time.Time        `json:"operation_date" db:"operation_date"`
	ReferencePeriod     string           `json:"reference_period" db:"reference_period"`
	SourceTag           string           `json:"source_tag" db:"source_tag"`
	SourceFile          string           `json:"source_file,omitempty" db:"source_file"`
	ImporterName        string           `json:"importer_name,omitempty" db:"importer_name"`
	ImporterTaxID       string           `json:"importer_tax_id,omitempty" db:"importer_tax_id"`
	ExporterName        string           `json:"exporter_name,omitempty" db:"exporter_name"`
	ExporterTaxID       string           `json:"exporter_tax_id,omitempty" db:"exporter_tax_id"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`

	// TransportMissing and FOBMissing mark a source row without the column.
	// The defaults (other, 0) are stored on insert but never overwrite a stored value.
	TransportMissing bool `json:"-" db:"-"`
	FOBMissing       bool `json:"-" db:"-"`
}

// NaturalKey identifies the transaction-aggregate row a record belongs to
type NaturalKey struct {
	ProductCode        string
	OperationKind      OperationKind
	OperationDate      string
	CounterpartCountry string
	Region             string
}

// String renders the key for logs and map lookups
func (k NaturalKey) String() string {
	return strings.Join([]string{k.ProductCode, string(k.OperationKind), k.OperationDate, k.CounterpartCountry, k.Region}, "|")
}

// Key returns the natural key of the operation
func (o *CanonicalOperation) Key() NaturalKey {
	return NaturalKey{
		ProductCode:        o.ProductCode,
		OperationKind:      o.OperationKind,
		OperationDate:      o.OperationDate.Format("2006-01-02"),
		CounterpartCountry: o.CounterpartCountry,
		Region:             o.Region,
	}
}

// Freight returns the freight value, zero when not supplied
func (o *CanonicalOperation) Freight() decimal.Decimal {
	return valueOrZero(o.FreightValue)
}

// Insurance returns the insurance value, zero when not supplied
func (o *CanonicalOperation) Insurance() decimal.Decimal {
	return valueOrZero(o.InsuranceValue)
}

func valueOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

// MergeFrom overwrites o with every field in that is set, leaving the rest untouched.
// Key fields are assumed equal. Returns true when anything changed.
func (o *CanonicalOperation) MergeFrom(in *CanonicalOperation) bool {
	changed := false

	setString := func(dst *string, src string) {
		if src != "" && *dst != src {
			*dst = src
			changed = true
		}
	}
	setDecimal := func(dst **decimal.Decimal, src *decimal.Decimal) {
		if src == nil {
			return
		}
		if *dst == nil || !(*dst).Equal(*src) {
			v := *src
			*dst = &v
			changed = true
		}
	}

	setString(&o.ProductDescription, in.ProductDescription)
	if !in.TransportMissing && in.TransportMode != "" && o.TransportMode != in.TransportMode {
		o.TransportMode = in.TransportMode
		changed = true
	}
	if !in.FOBMissing && !o.FOBValue.Equal(in.FOBValue) {
		o.FOBValue = in.FOBValue
		changed = true
	}
	setDecimal(&o.FreightValue, in.FreightValue)
	setDecimal(&o.InsuranceValue, in.InsuranceValue)
	setDecimal(&o.NetWeightKg, in.NetWeightKg)
	setDecimal(&o.GrossWeightKg, in.GrossWeightKg)
	setDecimal(&o.StatisticalQuantity, in.StatisticalQuantity)
	setString(&o.StatisticalUnit, in.StatisticalUnit)
	setString(&o.ReferencePeriod, in.ReferencePeriod)
	setString(&o.SourceTag, in.SourceTag)
	setString(&o.SourceFile, in.SourceFile)
	setString(&o.ImporterName, in.ImporterName)
	setString(&o.ImporterTaxID, in.ImporterTaxID)
	setString(&o.ExporterName, in.ExporterName)
	setString(&o.ExporterTaxID, in.ExporterTaxID)

	if changed && !in.UpdatedAt.IsZero() {
		o.UpdatedAt = in.UpdatedAt
	}
	return changed
}

// Validate checks the invariants every persisted operation must hold
func (o *CanonicalOperation) Validate() error {
	if len(o.ProductCode) != ProductCodeWidth {
		return &ValidationError{Field: "product_code", Value: o.ProductCode, Message: "product code must have 8 digits"}
	}
	if !o.OperationKind.Valid() {
		return &ValidationError{Field: "operation_kind", Value: string(o.OperationKind), Message: "operation kind must be import or export"}
	}
	if o.TransportMode == "" {
		return &ValidationError{Field: "transport_mode", Message: "transport mode must be resolved"}
	}
	if o.FOBValue.IsNegative() {
		return &ValidationError{Field: "fob_value", Value: o.FOBValue.String(), Message: "fob value must not be negative"}
	}
	if o.OperationDate.IsZero() {
		return &ValidationError{Field: "operation_date", Message: "operation date must be resolved"}
	}
	return nil
}

// ValidationError represents a data validation error.
// The normalizer returns it to reject a raw row.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
