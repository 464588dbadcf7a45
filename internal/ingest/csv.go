// Package ingest reads the clean interaction table and the channel metadata
// table from CSV or TSV files.
//
// Columns are located by header name, so extra columns are ignored and column
// order does not matter. Rows with missing ids are passed through unchanged;
// the interaction index counts and skips them.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hurttlocker/bubblescope/internal/interaction"
)

// Header aliases accepted for each logical column.
var (
	userColumns      = []string{"user_id", "author_id", "commenter_id", "author_channel_id"}
	contentColumns   = []string{"content_id", "video_id", "item_id"}
	channelColumns   = []string{"channel_id", "source_channel_id"}
	timeColumns      = []string{"timestamp", "published_at", "created_at"}
	nameColumns      = []string{"name", "channel_name", "title"}
	timestampLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}
)

// CanHandle returns true for CSV/TSV file extensions.
func CanHandle(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".csv" || ext == ".tsv"
}

// ReadInteractions reads interaction rows from a file, or from every CSV/TSV
// file of a directory in name order.
func ReadInteractions(ctx context.Context, path string) ([]interaction.Interaction, error) {
	files, err := expand(path)
	if err != nil {
		return nil, err
	}

	var out []interaction.Interaction
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := readInteractionFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func readInteractionFile(path string) ([]interaction.Interaction, error) {
	header, records, err := readTable(path)
	if err != nil {
		return nil, err
	}

	user, err := column(header, userColumns, path)
	if err != nil {
		return nil, err
	}
	content, err := column(header, contentColumns, path)
	if err != nil {
		return nil, err
	}
	channel, err := column(header, channelColumns, path)
	if err != nil {
		return nil, err
	}
	ts, _ := column(header, timeColumns, path)

	out := make([]interaction.Interaction, 0, len(records))
	for _, rec := range records {
		out = append(out, interaction.Interaction{
			UserID:    field(rec, user),
			ContentID: field(rec, content),
			ChannelID: field(rec, channel),
			Timestamp: parseTimestamp(field(rec, ts)),
		})
	}
	return out, nil
}

// ReadChannels reads the channel_id -> display name table.
func ReadChannels(path string) (map[string]string, error) {
	header, records, err := readTable(path)
	if err != nil {
		return nil, err
	}
	id, err := column(header, channelColumns, path)
	if err != nil {
		return nil, err
	}
	name, err := column(header, nameColumns, path)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(records))
	for _, rec := range records {
		if k := field(rec, id); k != "" {
			out[k] = field(rec, name)
		}
	}
	return out, nil
}

func expand(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && CanHandle(e.Name()) {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .csv or .tsv files in %s", path)
	}
	sort.Strings(files)
	return files, nil
}

// readTable returns the normalized header and the data records.
func readTable(path string) (map[string]int, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)

	// Auto-detect TSV
	if strings.ToLower(filepath.Ext(path)) == ".tsv" {
		reader.Comma = '\t'
	}

	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	first, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%s: missing header row", path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("parsing header of %s: %w", path, err)
	}
	header := make(map[string]int, len(first))
	for i, h := range first {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := header[key]; !dup {
			header[key] = i
		}
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CSV %s: %w", path, err)
	}
	return header, records, nil
}

func column(header map[string]int, aliases []string, path string) (int, error) {
	for _, a := range aliases {
		if i, ok := header[a]; ok {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%s: no column named %s", path, strings.Join(aliases, " or "))
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// parseTimestamp accepts RFC 3339, common SQL layouts and unix seconds. An
// unparseable value yields the zero time; timestamps are informational.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC()
	}
	return time.Time{}
}
