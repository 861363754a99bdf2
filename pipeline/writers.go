package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/aluiziolira/catalog-export/models"
)

// csvHeader lists the exported columns in order.
var csvHeader = []string{
	"sku", "name", "price", "status", "type_id", "category_ids", "categories",
	"qty", "in_stock", "image", "merge_status", "inventory_reason", "updated_at",
}

// exportRow is the flat form of an enriched product shared by every output
// format.
type exportRow struct {
	SKU             string   `json:"sku"`
	Name            string   `json:"name"`
	Price           string   `json:"price"`
	Status          int      `json:"status"`
	TypeID          string   `json:"type_id"`
	CategoryIDs     []int    `json:"category_ids"`
	Categories      []string `json:"categories"`
	Qty             string   `json:"qty"`
	InStock         bool     `json:"in_stock"`
	Image           string   `json:"image,omitempty"`
	MergeStatus     string   `json:"merge_status"`
	InventoryReason string   `json:"inventory_reason,omitempty"`
	UpdatedAt       string   `json:"updated_at,omitempty"`
}

func newExportRow(r *models.EnrichedProduct) exportRow {
	names := make([]string, 0, len(r.Categories))
	for _, c := range r.Categories {
		names = append(names, c.Name)
	}
	return exportRow{
		SKU:             r.Product.SKU,
		Name:            r.Product.Name,
		Price:           r.Product.Price.StringFixed(2),
		Status:          r.Product.Status,
		TypeID:          r.Product.TypeID,
		CategoryIDs:     r.CategoryIDs(),
		Categories:      names,
		Qty:             r.Inventory.Quantity.String(),
		InStock:         r.Inventory.InStock,
		Image:           r.Product.PrimaryImage(),
		MergeStatus:     string(r.Provenance.Status),
		InventoryReason: r.Provenance.InventoryReason,
		UpdatedAt:       r.Product.UpdatedAt,
	}
}

// csv orders the row like csvHeader. Category ids and names are joined
// with "|".
func (row exportRow) csv() []string {
	ids := make([]string, len(row.CategoryIDs))
	for i, id := range row.CategoryIDs {
		ids[i] = strconv.Itoa(id)
	}
	return []string{
		row.SKU,
		row.Name,
		row.Price,
		strconv.Itoa(row.Status),
		row.TypeID,
		strings.Join(ids, "|"),
		strings.Join(row.Categories, "|"),
		row.Qty,
		strconv.FormatBool(row.InStock),
		row.Image,
		row.MergeStatus,
		row.InventoryReason,
		row.UpdatedAt,
	}
}

// fileOutput is the file handling shared by the CSV and JSON writers.
type fileOutput struct {
	path string
	file *os.File
	rows int
	mu   sync.Mutex
}

func createOutput(filename string) (*os.File, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", filename, err)
	}
	return f, nil
}

// checkRows compares the rows counted in the written file with the rows
// written and the rows expected.
func (o *fileOutput) checkRows(counted, expected int) error {
	o.mu.Lock()
	written := o.rows
	o.mu.Unlock()
	if counted != written {
		return fmt.Errorf("%s holds %d rows, %d were written", o.path, counted, written)
	}
	if counted != expected {
		return fmt.Errorf("%s holds %d rows, export has %d", o.path, counted, expected)
	}
	return nil
}

// CSVWriter writes records to CSV.
type CSVWriter struct {
	fileOutput
	writer *csv.Writer
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	f, err := createOutput(filename)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		fileOutput: fileOutput{path: filename, file: f},
		writer:     writer,
	}, nil
}

// Write appends records to the CSV output.
func (cw *CSVWriter) Write(records []models.EnrichedProduct) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for i := range records {
		if err := cw.writer.Write(newExportRow(&records[i]).csv()); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
		cw.rows++
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate re-reads the file and checks the header and the row count.
func (cw *CSVWriter) Validate(expected int) error {
	f, err := os.Open(cw.path)
	if err != nil {
		return fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}
	if !slices.Equal(header, csvHeader) {
		return fmt.Errorf("unexpected csv header %v", header)
	}

	rows := 0
	for {
		_, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read csv row %d: %w", rows+1, err)
		}
		rows++
	}
	return cw.checkRows(rows, expected)
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	fileOutput
	writer  *bufio.Writer
	encoder *json.Encoder
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	f, err := createOutput(filename)
	if err != nil {
		return nil, err
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		fileOutput: fileOutput{path: filename, file: f},
		writer:     buffer,
		encoder:    json.NewEncoder(buffer),
	}, nil
}

// Write appends records in JSONL format, one flat row per line.
func (jw *JSONWriter) Write(records []models.EnrichedProduct) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for i := range records {
		if err := jw.encoder.Encode(newExportRow(&records[i])); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
		jw.rows++
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate re-reads the file; every line must decode to a row with a sku.
func (jw *JSONWriter) Validate(expected int) error {
	f, err := os.Open(jw.path)
	if err != nil {
		return fmt.Errorf("open json file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	rows := 0
	for scanner.Scan() {
		rows++
		var row exportRow
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return fmt.Errorf("json line %d: %w", rows, err)
		}
		if row.SKU == "" {
			return fmt.Errorf("json line %d has no sku", rows)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan json file: %w", err)
	}
	return jw.checkRows(rows, expected)
}

// MultiWriter fans every call out to several writers.
type MultiWriter struct {
	writers []OutputWriter
}

// NewMultiWriter combines writers; calls reach them in order.
func NewMultiWriter(writers ...OutputWriter) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// NewDualWriter writes the same rows to a CSV file and a JSONL file.
func NewDualWriter(csvFilename, jsonFilename string) (*MultiWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, err
	}
	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, err
	}
	return NewMultiWriter(csvWriter, jsonWriter), nil
}

// Write stops at the first writer that fails.
func (mw *MultiWriter) Write(records []models.EnrichedProduct) error {
	for _, w := range mw.writers {
		if err := w.Write(records); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every writer and joins their errors.
func (mw *MultiWriter) Close() error {
	var errs []error
	for _, w := range mw.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate validates every writer and joins their errors.
func (mw *MultiWriter) Validate(expected int) error {
	var errs []error
	for _, w := range mw.writers {
		if err := w.Validate(expected); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
