// Package cards loads the card table and resolves card names to their rules text.
package cards

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/WessleyAI/rulesrag/engine/domain"
)

// Required column names.
const (
	ColumnName       = "name"
	ColumnOracleText = "oracle_text"
)

// Card is one row of the card table.
type Card struct {
	Name       string            `json:"name"`
	OracleText string            `json:"oracle_text"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Line formats the card as "name: oracle_text".
func (c Card) Line() string { return c.Name + ": " + c.OracleText }

// NotFoundError reports a card name missing from the table.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("card %q not found", e.Name) }

func (e *NotFoundError) Unwrap() error { return domain.ErrCardNotFound }

// Table is an immutable card lookup. When names repeat, the first row wins.
type Table struct {
	cards  []Card
	byName map[string]int
}

// Load reads a CSV card table from path.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cards: open %s: %w", path, err)
	}
	defer f.Close()
	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("cards: %s: %w", path, err)
	}
	return t, nil
}

// Parse reads a CSV card table with a header row.
func Parse(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty card table")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	nameCol, ok := cols[ColumnName]
	if !ok {
		return nil, fmt.Errorf("missing %q column", ColumnName)
	}
	textCol, ok := cols[ColumnOracleText]
	if !ok {
		return nil, fmt.Errorf("missing %q column", ColumnOracleText)
	}

	t := &Table{byName: make(map[string]int)}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		c := Card{Name: field(row, nameCol), OracleText: field(row, textCol)}
		if c.Name == "" {
			continue
		}
		for h, i := range cols {
			if i == nameCol || i == textCol {
				continue
			}
			if v := field(row, i); v != "" {
				if c.Extra == nil {
					c.Extra = make(map[string]string)
				}
				c.Extra[h] = v
			}
		}
		if _, seen := t.byName[c.Name]; !seen {
			t.byName[c.Name] = len(t.cards)
		}
		t.cards = append(t.cards, c)
	}
	return t, nil
}

func field(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.cards) }

// Lookup returns the first card whose name matches exactly.
func (t *Table) Lookup(name string) (Card, error) {
	if t != nil {
		if i, ok := t.byName[strings.TrimSpace(name)]; ok {
			return t.cards[i], nil
		}
	}
	return Card{}, &NotFoundError{Name: name}
}

// Lines looks up every name and formats the cards, stopping at the first miss.
func (t *Table) Lines(names []string) ([]string, error) {
	lines := make([]string, 0, len(names))
	for _, n := range names {
		c, err := t.Lookup(n)
		if err != nil {
			return nil, err
		}
		lines = append(lines, c.Line())
	}
	return lines, nil
}
