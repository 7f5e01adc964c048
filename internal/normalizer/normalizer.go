package normalizer

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"comex-platform/internal/models"
)

// ProductCatalog supplies and learns product descriptions by product code
type ProductCatalog interface {
	Lookup(code string) (string, bool)
	Remember(code, description string)
}

// Normalizer converts source-shaped rows into canonical operations
type Normalizer struct {
	aliases *AliasTable
	catalog ProductCatalog
	now     func() time.Time
}

// Option configures a Normalizer
type Option func(*Normalizer)

// WithCatalog fills empty descriptions from catalog and feeds it the ones rows carry
func WithCatalog(catalog ProductCatalog) Option {
	return func(n *Normalizer) {
		n.catalog = catalog
	}
}

// WithClock overrides the clock used for CreatedAt/UpdatedAt
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// New creates a normalizer. A nil table selects DefaultAliasTable.
func New(aliases *AliasTable, opts ...Option) *Normalizer {
	if aliases == nil {
		aliases = DefaultAliasTable()
	}
	n := &Normalizer{
		aliases: aliases,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts one raw row. A rejected row returns a *models.ValidationError.
func (n *Normalizer) Normalize(raw models.RawRecord, period models.Period, kind models.OperationKind, sourceTag, sourceFile string) (*models.CanonicalOperation, error) {
	if !kind.Valid() {
		return nil, &models.ValidationError{Field: "operation_kind", Value: string(kind), Message: "requested operation kind is invalid"}
	}
	row := Index(raw)

	rawCode := n.aliases.LookupString(row, FieldProductCode)
	if rawCode == "" {
		return nil, &models.ValidationError{Field: "product_code", Message: "missing product code"}
	}
	code, digits := NormalizeProductCode(rawCode)
	if digits < models.MinProductCodeDigits {
		return nil, &models.ValidationError{Field: "product_code", Value: rawCode, Message: "product code has fewer than 4 digits"}
	}

	if declared := n.aliases.LookupString(row, FieldOperationKind); declared != "" {
		if k, err := models.ParseOperationKind(Fold(declared)); err == nil && k != kind {
			return nil, &models.ValidationError{Field: "operation_kind", Value: declared, Message: "row belongs to the other operation kind"}
		}
	}

	date, ok := n.resolveDate(row, period)
	if !ok {
		return nil, &models.ValidationError{Field: "operation_date", Message: "operation date cannot be resolved"}
	}

	transport := n.aliases.LookupString(row, FieldTransportMode)
	fob, fobSupplied := n.fob(row)

	now := n.now().UTC()
	op := &models.CanonicalOperation{
		ProductCode:         code,
		ProductDescription:  n.aliases.LookupString(row, FieldProductDescription),
		OperationKind:       kind,
		CounterpartCountry:  collapseSpaces(n.aliases.LookupString(row, FieldCountry)),
		Region:              NormalizeRegion(n.aliases.LookupString(row, FieldRegion)),
		TransportMode:       ClassifyTransport(transport),
		TransportMissing:    transport == "",
		FOBValue:            fob,
		FOBMissing:          !fobSupplied,
		FreightValue:        n.optionalDecimal(row, FieldFreightValue),
		InsuranceValue:      n.optionalDecimal(row, FieldInsuranceValue),
		NetWeightKg:         n.optionalDecimal(row, FieldNetWeight),
		GrossWeightKg:       n.optionalDecimal(row, FieldGrossWeight),
		StatisticalQuantity: n.optionalDecimal(row, FieldStatisticalQuantity),
		StatisticalUnit:     n.aliases.LookupString(row, FieldStatisticalUnit),
		OperationDate:       date,
		ReferencePeriod:     period.String(),
		SourceTag:           sourceTag,
		SourceFile:          sourceFile,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	switch kind {
	case models.KindImport:
		op.ImporterName = n.firstString(row, FieldImporterName, FieldCompanyName)
		op.ImporterTaxID = DigitsOnly(n.firstString(row, FieldImporterTaxID, FieldCompanyTaxID))
	case models.KindExport:
		op.ExporterName = n.firstString(row, FieldExporterName, FieldCompanyName)
		op.ExporterTaxID = DigitsOnly(n.firstString(row, FieldExporterTaxID, FieldCompanyTaxID))
	}

	if n.catalog != nil {
		if op.ProductDescription == "" {
			if desc, ok := n.catalog.Lookup(code); ok {
				op.ProductDescription = desc
			}
		} else {
			n.catalog.Remember(code, op.ProductDescription)
		}
	}

	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

// BatchResult is the outcome of normalizing a batch of raw rows
type BatchResult struct {
	Operations []*models.CanonicalOperation
	Rejected   int
	// Reasons counts rejections per offending field
	Reasons map[string]int
}

// NormalizeBatch normalizes every row, collecting rejections instead of failing
func (n *Normalizer) NormalizeBatch(records []models.RawRecord, period models.Period, kind models.OperationKind, sourceTag, sourceFile string) BatchResult {
	result := BatchResult{
		Operations: make([]*models.CanonicalOperation, 0, len(records)),
		Reasons:    make(map[string]int),
	}
	for _, raw := range records {
		op, err := n.Normalize(raw, period, kind, sourceTag, sourceFile)
		if err != nil {
			result.Rejected++
			field := "unknown"
			var verr *models.ValidationError
			if errors.As(err, &verr) && verr.Field != "" {
				field = verr.Field
			}
			result.Reasons[field]++
			continue
		}
		result.Operations = append(result.Operations, op)
	}
	return result
}

// MonthOf returns the month a row refers to, from its month column or its date
func (n *Normalizer) MonthOf(raw models.RawRecord) (time.Month, bool) {
	row := Index(raw)
	if m, ok := parseMonth(n.aliases.LookupString(row, FieldMonth)); ok {
		return m, true
	}
	for _, v := range n.aliases.LookupAll(row, FieldOperationDate) {
		if t, ok := ParseDate(CoerceString(v)); ok {
			return t.Month(), true
		}
	}
	return 0, false
}

func (n *Normalizer) resolveDate(row Row, period models.Period) (time.Time, bool) {
	for _, v := range n.aliases.LookupAll(row, FieldOperationDate) {
		if t, ok := ParseDate(CoerceString(v)); ok {
			return t, true
		}
	}

	year, yerr := strconv.Atoi(n.aliases.LookupString(row, FieldYear))
	month, mok := parseMonth(n.aliases.LookupString(row, FieldMonth))
	if yerr == nil && mok && year >= 1900 {
		return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC), true
	}

	if period.IsZero() {
		return time.Time{}, false
	}
	return period.FirstDay(), true
}

// fob reports whether the row carries an FOB value at all. A malformed or
// negative value is supplied and reads as zero.
func (n *Normalizer) fob(row Row) (decimal.Decimal, bool) {
	v, ok := n.aliases.Lookup(row, FieldFOBValue)
	if !ok {
		return decimal.Zero, false
	}
	d, ok := CoerceDecimal(v)
	if !ok || d.IsNegative() {
		return decimal.Zero, true
	}
	return d, true
}

func (n *Normalizer) optionalDecimal(row Row, field Field) *decimal.Decimal {
	v, ok := n.aliases.Lookup(row, field)
	if !ok {
		return nil
	}
	d, ok := CoerceDecimal(v)
	if !ok {
		return nil
	}
	return &d
}

func (n *Normalizer) firstString(row Row, fields ...Field) string {
	for _, f := range fields {
		if s := n.aliases.LookupString(row, f); s != "" {
			return collapseSpaces(s)
		}
	}
	return ""
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
