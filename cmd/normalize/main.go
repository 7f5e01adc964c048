// Command normalize runs local trade CSV exports through the normalizer and
// the deduplicating writer without a database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"comex-platform/internal/models"
	"comex-platform/internal/normalizer"
	"comex-platform/internal/repository"
	"comex-platform/internal/services"
	"comex-platform/internal/sources"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

var fileNamePattern = regexp.MustCompile(`(?i)^(IMP|EXP)_(\d{4})_?(\d{2})?\.csv$`)

// fileSpec is what a bulk file name tells about its contents
type fileSpec struct {
	Kind   models.OperationKind
	Year   int
	Month  time.Month // zero for yearly files
	Parsed bool
}

func inferFileSpec(path string) fileSpec {
	m := fileNamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return fileSpec{}
	}
	kind := models.KindImport
	if strings.EqualFold(m[1], "EXP") {
		kind = models.KindExport
	}
	year, _ := strconv.Atoi(m[2])
	spec := fileSpec{Kind: kind, Year: year, Parsed: true}
	if m[3] != "" {
		month, _ := strconv.Atoi(m[3])
		if month < 1 || month > 12 {
			return fileSpec{}
		}
		spec.Month = time.Month(month)
	}
	return spec
}

// fileResult summarizes one processed file
type fileResult struct {
	File     string
	Encoding string
	Rows     int
	Accepted int
	Rejected int
	Reasons  map[string]int
	Periods  []string
	Written  services.WriteResult
}

type processor struct {
	norm   *normalizer.Normalizer
	writer *services.BatchWriter
}

// groupByPeriod splits rows of a yearly file by the month each row carries.
// Rows without a month are returned separately.
func (p *processor) groupByPeriod(records []models.RawRecord, year int) (map[models.Period][]models.RawRecord, int) {
	groups := make(map[models.Period][]models.RawRecord)
	missing := 0
	for _, raw := range records {
		month, ok := p.norm.MonthOf(raw)
		if !ok {
			missing++
			continue
		}
		period := models.PeriodOf(time.Date(year, month, 1, 0, 0, 0, 0, time.UTC))
		groups[period] = append(groups[period], raw)
	}
	return groups, missing
}

func (p *processor) process(ctx context.Context, path string, kind models.OperationKind, period models.Period) (*fileResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	records, encoding, err := sources.ParseCSV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	name := filepath.Base(path)
	spec := inferFileSpec(name)
	if kind == "" {
		if !spec.Parsed {
			return nil, fmt.Errorf("cannot infer operation kind from %s, pass -kind", name)
		}
		kind = spec.Kind
	}

	groups := map[models.Period][]models.RawRecord{}
	missingMonth := 0
	switch {
	case !period.IsZero():
		groups[period] = records
	case spec.Parsed && spec.Month != 0:
		groups[models.PeriodOf(time.Date(spec.Year, spec.Month, 1, 0, 0, 0, 0, time.UTC))] = records
	case spec.Parsed:
		groups, missingMonth = p.groupByPeriod(records, spec.Year)
	default:
		return nil, fmt.Errorf("cannot infer reference period from %s, pass -period", name)
	}

	result := &fileResult{
		File:     name,
		Encoding: encoding,
		Rows:     len(records),
		Rejected: missingMonth,
		Reasons:  make(map[string]int),
	}
	if missingMonth > 0 {
		result.Reasons["month"] = missingMonth
	}

	periods := make([]models.Period, 0, len(groups))
	for period := range groups {
		periods = append(periods, period)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].String() < periods[j].String() })

	for _, period := range periods {
		batch := p.norm.NormalizeBatch(groups[period], period, kind, models.SourceBulkFile, name)
		result.Accepted += len(batch.Operations)
		result.Rejected += batch.Rejected
		for field, n := range batch.Reasons {
			result.Reasons[field] += n
		}
		result.Periods = append(result.Periods, period.String())

		written, err := p.writer.Write(ctx, batch.Operations)
		result.Written.Add(written.UpsertCounts)
		result.Written.Failed += written.Failed
		result.Written.Errors = append(result.Written.Errors, written.Errors...)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func main() {
	kindFlag := flag.String("kind", "", "Operation kind of every file (default: inferred from IMP_/EXP_ file names)")
	periodFlag := flag.String("period", "", "Reference period YYYY-MM of every file (default: inferred from file names)")
	aliasesFile := flag.String("aliases", "", "YAML file extending the column alias table")
	verbose := flag.Bool("v", false, "Log at debug level")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] FILE.csv...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var kind models.OperationKind
	if *kindFlag != "" {
		k, err := models.ParseOperationKind(*kindFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid kind: %v\n", err)
			os.Exit(2)
		}
		kind = k
	}
	var period models.Period
	if *periodFlag != "" {
		p, err := models.ParsePeriod(*periodFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid period: %v\n", err)
			os.Exit(2)
		}
		period = p
	}

	level := logging.WarnLevel
	if *verbose {
		level = logging.DebugLevel
	}
	logger := logging.NewStructuredLogger("comex-normalize", "1.0.0", level)
	defer logger.Sync()
	metricsCollector := metrics.NewCollector("comex_normalize", prometheus.NewRegistry())

	aliases, err := normalizer.LoadAliasTable(*aliasesFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load aliases: %v\n", err)
		os.Exit(1)
	}

	repo := repository.NewMemoryRepository()
	p := &processor{
		norm:   normalizer.New(aliases),
		writer: services.NewBatchWriter(repo, services.DefaultBatchSize, logger, metricsCollector),
	}

	ctx := context.Background()
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("COMEX PLATFORM - OFFLINE NORMALIZATION")
	fmt.Println(strings.Repeat("=", 80))

	var totalRows, totalAccepted, totalRejected int
	var totals repository.UpsertCounts
	failures := 0

	for _, path := range flag.Args() {
		result, err := p.process(ctx, path, kind, period)
		if err != nil {
			failures++
			fmt.Printf("\n%s: %v\n", filepath.Base(path), err)
			if result == nil {
				continue
			}
		}
		printFileResult(result)

		totalRows += result.Rows
		totalAccepted += result.Accepted
		totalRejected += result.Rejected
		totals.Add(result.Written.UpsertCounts)
	}

	fmt.Println()
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Files:              %d (%d failed)\n", flag.NArg(), failures)
	fmt.Printf("Rows:               %d\n", totalRows)
	fmt.Printf("Accepted:           %d\n", totalAccepted)
	fmt.Printf("Rejected:           %d\n", totalRejected)
	fmt.Printf("Distinct keys:      %d\n", repo.Len())
	fmt.Printf("Merged duplicates:  %d\n", totals.Updated)
	if totalRows > 0 {
		fmt.Printf("Acceptance rate:    %.2f%%\n", float64(totalAccepted)/float64(totalRows)*100)
	}

	if failures > 0 {
		os.Exit(1)
	}
}

func printFileResult(r *fileResult) {
	fmt.Println()
	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("File: %s (%s)\n", r.File, r.Encoding)
	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("  Periods:     %s\n", strings.Join(r.Periods, ", "))
	fmt.Printf("  Rows:        %d\n", r.Rows)
	fmt.Printf("  Accepted:    %d\n", r.Accepted)
	fmt.Printf("  Rejected:    %d\n", r.Rejected)

	if len(r.Reasons) > 0 {
		fields := make([]string, 0, len(r.Reasons))
		for field := range r.Reasons {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			fmt.Printf("    %-18s %d\n", field+":", r.Reasons[field])
		}
	}
	fmt.Printf("  New keys:    %d\n", r.Written.Inserted)
	fmt.Printf("  Duplicates:  %d\n", r.Written.Updated)
	for _, werr := range r.Written.Errors {
		fmt.Printf("  ! %v\n", werr)
	}
}
