// Package preprocess turns a downloaded file into the text (or raw bytes,
// for multimodal passthrough) that gets merged into a task's prompt.
package preprocess

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/sympozium/agentcore/internal/store"
)

// Strategy is the processing approach chosen for one file, per spec.md
// §4.3's table.
type Strategy string

const (
	StrategyAlwaysText        Strategy = "always_text"
	StrategyStructuredData    Strategy = "structured_data"
	StrategyBinaryCapable     Strategy = "binary_capable"
	StrategyDocumentProcessing Strategy = "document_processing"
	StrategyUnknown           Strategy = "unknown"
)

var alwaysTextExt = map[string]bool{
	".txt": true, ".md": true, ".html": true, ".xml": true, ".rst": true, ".adoc": true,
}

var structuredDataExt = map[string]bool{
	".csv": true, ".tsv": true, ".json": true, ".jsonl": true,
}

var binaryCapableExt = map[string]bool{
	".pdf": true, ".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".tiff": true, ".bmp": true,
}

var documentProcessingExt = map[string]bool{
	".docx": true, ".pptx": true, ".xlsx": true, ".doc": true, ".ppt": true, ".xls": true,
}

// DecideStrategy chooses the processing strategy from a file's extension.
func DecideStrategy(path string) Strategy {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case alwaysTextExt[ext]:
		return StrategyAlwaysText
	case structuredDataExt[ext]:
		return StrategyStructuredData
	case binaryCapableExt[ext]:
		return StrategyBinaryCapable
	case documentProcessingExt[ext]:
		return StrategyDocumentProcessing
	default:
		return StrategyUnknown
	}
}

// Output is the result of preprocessing one input source's downloaded file.
type Output struct {
	ProcessedContent string
	ContentPreview   string
	IsRawPassthrough bool
	BinaryData       []byte
	MediaType        string
}

// Process runs the strategy for one file and returns its Output. filePath is
// the location written by the Input Fetcher; src carries the preprocessing
// flags from the task's input-source descriptor.
func Process(filePath string, src store.InputSource) (*Output, error) {
	strategy := DecideStrategy(filePath)

	switch strategy {
	case StrategyAlwaysText:
		return processAlwaysText(filePath)
	case StrategyStructuredData:
		return processStructuredData(filePath)
	case StrategyBinaryCapable:
		return processBinaryCapable(filePath, src)
	case StrategyDocumentProcessing:
		return processDocumentProcessing(filePath)
	default:
		return processUnknown(filePath)
	}
}

func processAlwaysText(filePath string) (*Output, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}
	text := decodeWithCascade(raw)
	return &Output{
		ProcessedContent: text,
		ContentPreview:   previewText(text),
	}, nil
}

// decodeWithCascade tries utf-8, utf-16, iso-8859-1, cp1252 in order,
// finally falling back to utf-8 with replacement characters — per spec.md
// §4.3's encoding cascade. The iso-8859-1 decoder accepts every byte, so the
// cascade stops there for any input that is not utf-8 or BOM-marked utf-16:
// cp1252-only characters in 0x80-0x9F come out as C1 control characters,
// and the cp1252 and replacement steps are not reached.
func decodeWithCascade(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	if s, ok := decodeUTF16(raw); ok {
		return s
	}
	if s, err := charmap.ISO8859_1.NewDecoder().String(string(raw)); err == nil {
		return s
	}
	if s, err := charmap.Windows1252.NewDecoder().String(string(raw)); err == nil {
		return s
	}
	return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
}

func decodeUTF16(raw []byte) (string, bool) {
	if len(raw) < 2 || len(raw)%2 != 0 {
		return "", false
	}
	// Only attempt this when a BOM is present; otherwise it is not
	// distinguishable from arbitrary binary and we prefer the safer
	// byte-as-rune fallback.
	if raw[0] == 0xFF && raw[1] == 0xFE {
		return decodeUTF16LE(raw[2:]), true
	}
	if raw[0] == 0xFE && raw[1] == 0xFF {
		return decodeUTF16BE(raw[2:]), true
	}
	return "", false
}

func decodeUTF16LE(raw []byte) string {
	var sb strings.Builder
	for i := 0; i+1 < len(raw); i += 2 {
		sb.WriteRune(rune(uint16(raw[i]) | uint16(raw[i+1])<<8))
	}
	return sb.String()
}

func decodeUTF16BE(raw []byte) string {
	var sb strings.Builder
	for i := 0; i+1 < len(raw); i += 2 {
		sb.WriteRune(rune(uint16(raw[i])<<8 | uint16(raw[i+1])))
	}
	return sb.String()
}

func previewText(text string) string {
	if len(text) <= 500 {
		return text
	}
	return text[:500]
}

func processStructuredData(filePath string) (*Output, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".csv", ".tsv":
		return processCSV(filePath, ext == ".tsv")
	case ".json", ".jsonl":
		return processJSON(filePath)
	default:
		return processUnknown(filePath)
	}
}

func processCSV(filePath string, tabSeparated bool) (*Output, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening CSV file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if tabSeparated {
		reader.Comma = '\t'
	}
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing CSV: %w", err)
	}
	if len(records) == 0 {
		return &Output{ProcessedContent: "(empty CSV file)", ContentPreview: "(empty CSV file)"}, nil
	}

	header := records[0]
	rows := records[1:]
	dtypes := inferColumnDTypes(header, rows)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Rows: %d, Columns: %d\n", len(rows), len(header))
	fmt.Fprintf(&sb, "Columns: %s\n", strings.Join(header, ", "))
	fmt.Fprintf(&sb, "Column types: %s\n\n", strings.Join(dtypes, ", "))

	sb.WriteString("First 5 rows:\n")
	head := rows
	if len(head) > 5 {
		head = head[:5]
	}
	for _, row := range head {
		sb.WriteString(strings.Join(row, ", ") + "\n")
	}

	if numeric := numericDescribe(header, rows); numeric != "" {
		sb.WriteString("\nNumeric summary:\n")
		sb.WriteString(numeric)
	}

	content := sb.String()
	return &Output{ProcessedContent: content, ContentPreview: previewText(content)}, nil
}

func inferColumnDTypes(header []string, rows [][]string) []string {
	dtypes := make([]string, len(header))
	for col := range header {
		isNumeric := true
		for _, row := range rows {
			if col >= len(row) {
				continue
			}
			if row[col] == "" {
				continue
			}
			if _, err := strconv.ParseFloat(row[col], 64); err != nil {
				isNumeric = false
				break
			}
		}
		if isNumeric {
			dtypes[col] = "numeric"
		} else {
			dtypes[col] = "text"
		}
	}
	return dtypes
}

func numericDescribe(header []string, rows [][]string) string {
	var sb strings.Builder
	for col, name := range header {
		var values []float64
		for _, row := range rows {
			if col >= len(row) || row[col] == "" {
				continue
			}
			v, err := strconv.ParseFloat(row[col], 64)
			if err != nil {
				values = nil
				break
			}
			values = append(values, v)
		}
		if len(values) == 0 {
			continue
		}
		min, max, sum := values[0], values[0], 0.0
		for _, v := range values {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
			sum += v
		}
		fmt.Fprintf(&sb, "%s: count=%d min=%.4g max=%.4g mean=%.4g\n", name, len(values), min, max, sum/float64(len(values)))
	}
	return sb.String()
}

func processJSON(filePath string) (*Output, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading JSON file: %w", err)
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &Output{
			ProcessedContent: fmt.Sprintf("[JSON file: parse error — %v]", err),
			ContentPreview:   previewText(string(raw)),
		}, nil
	}

	summary := summarizeJSON(parsed)
	pretty, err := json.MarshalIndent(parsed, "", "  ")
	content := summary
	if err == nil {
		prettyStr := string(pretty)
		const maxChars = 10_000
		if len(prettyStr) > maxChars {
			prettyStr = prettyStr[:maxChars] + "\n... (truncated)"
		}
		content = summary + "\n\n" + prettyStr
	}

	return &Output{ProcessedContent: content, ContentPreview: previewText(content)}, nil
}

func summarizeJSON(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("JSON object with %d keys: %s", len(keys), strings.Join(keys, ", "))
	case []any:
		return fmt.Sprintf("JSON array with %d elements", len(t))
	default:
		return "JSON scalar value"
	}
}

func processBinaryCapable(filePath string, src store.InputSource) (*Output, error) {
	ext := strings.ToLower(filepath.Ext(filePath))

	if src.SkipPreprocessing {
		raw, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("reading binary file for passthrough: %w", err)
		}
		mediaType := http.DetectContentType(raw)
		return &Output{
			IsRawPassthrough: true,
			BinaryData:       raw,
			MediaType:        mediaType,
			ContentPreview:   previewImagePlaceholder(filePath),
		}, nil
	}

	if ext == ".pdf" {
		text, err := extractPDFText(filePath)
		if err != nil {
			return &Output{
				ProcessedContent: fmt.Sprintf("[pdf file: %s — extraction failed: %v]", filepath.Base(filePath), err),
				ContentPreview:   fmt.Sprintf("[pdf file: %s — extraction failed]", filepath.Base(filePath)),
			}, nil
		}
		return &Output{ProcessedContent: text, ContentPreview: previewText(text)}, nil
	}

	// Images without skip_preprocessing get a one-line placeholder (name,
	// sniffed media type, size) rather than raw bytes. The
	// is_document_with_text / replace_images_with_descriptions flags are
	// not read, and no description of the image content is produced.
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading image file: %w", err)
	}
	mediaType := http.DetectContentType(raw)
	desc := fmt.Sprintf("[image file: %s, %s, %d bytes]", filepath.Base(filePath), mediaType, len(raw))
	return &Output{ProcessedContent: desc, ContentPreview: previewImageText(desc)}, nil
}

func previewImagePlaceholder(filePath string) string {
	return previewImageText(fmt.Sprintf("[image: %s]", filepath.Base(filePath)))
}

func previewImageText(s string) string {
	if len(s) <= 200 {
		return s
	}
	return s[:200]
}

// extractPDFText extracts plain text using github.com/ledongthuc/pdf.
func extractPDFText(filePath string) (string, error) {
	f, r, err := pdf.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting PDF text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("reading PDF text stream: %w", err)
	}
	return buf.String(), nil
}

func processDocumentProcessing(filePath string) (*Output, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".docx":
		return processDOCX(filePath)
	case ".xlsx":
		return processXLSX(filePath)
	default:
		// PPTX and legacy .doc/.ppt/.xls are not read at all: the output
		// is a placeholder naming the file and saying the format is not
		// supported for text extraction.
		return &Output{
			ProcessedContent: fmt.Sprintf("[%s file: %s — format not supported for text extraction]", ext, filepath.Base(filePath)),
			ContentPreview:   fmt.Sprintf("[%s file: %s]", ext, filepath.Base(filePath)),
		}, nil
	}
}

func processDOCX(filePath string) (*Output, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return &Output{
			ProcessedContent: fmt.Sprintf("[docx file: %s — extraction failed: %v]", filepath.Base(filePath), err),
			ContentPreview:   fmt.Sprintf("[docx file: %s — extraction failed]", filepath.Base(filePath)),
		}, nil
	}
	defer r.Close()

	content := r.Editable().GetContent()
	markdown := "# " + filepath.Base(filePath) + "\n\n" + content
	return &Output{ProcessedContent: markdown, ContentPreview: previewText(markdown)}, nil
}

func processXLSX(filePath string) (*Output, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return &Output{
			ProcessedContent: fmt.Sprintf("[xlsx file: %s — extraction failed: %v]", filepath.Base(filePath), err),
			ContentPreview:   fmt.Sprintf("[xlsx file: %s — extraction failed]", filepath.Base(filePath)),
		}, nil
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "## Sheet: %s\n\n", sheet)
		for i, row := range rows {
			if i == 0 {
				sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
				sb.WriteString("|" + strings.Repeat(" --- |", len(row)) + "\n")
				continue
			}
			sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		sb.WriteString("\n")
	}

	content := sb.String()
	return &Output{ProcessedContent: content, ContentPreview: previewText(content)}, nil
}

func processUnknown(filePath string) (*Output, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading unknown file type: %w", err)
	}
	if utf8.Valid(raw) {
		text := string(raw)
		return &Output{ProcessedContent: text, ContentPreview: previewText(text)}, nil
	}
	marker := fmt.Sprintf("[binary file: %s]", filepath.Base(filePath))
	return &Output{ProcessedContent: marker, ContentPreview: marker}, nil
}

// HasRawFiles reports whether any output in the set is a raw-passthrough
// file, per spec.md §4.3's has_raw_files summary field.
func HasRawFiles(outputs []*Output) bool {
	for _, o := range outputs {
		if o.IsRawPassthrough {
			return true
		}
	}
	return false
}
