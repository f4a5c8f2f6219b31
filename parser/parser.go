package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/roperkevin/jewishbooks/models"
	"golang.org/x/net/html"
)

// DescriptionMaxLen bounds synopsis and overview text.
const DescriptionMaxLen = 320

// MinTitleLen is the shortest title a record may carry.
const MinTitleLen = 3

var (
	// ErrMissingISBN is returned for records without a usable ISBN-13.
	ErrMissingISBN = errors.New("record missing isbn13")
	// ErrShortTitle is returned for records whose title is too short to be useful.
	ErrShortTitle = errors.New("record title too short")
)

// ParseBook decodes a single catalog book payload into normalized fields.
// Several alternative key spellings are accepted for each field.
func ParseBook(data []byte) (models.RawRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var book map[string]any
	if err := dec.Decode(&book); err != nil {
		return models.RawRecord{}, fmt.Errorf("decode book: %w", err)
	}
	if book == nil {
		return models.RawRecord{}, fmt.Errorf("decode book: empty payload")
	}

	isbn13 := NormalizeISBN(firstString(book, "isbn13", "isbn_13", "isbn"))
	isbn10 := NormalizeISBN(firstString(book, "isbn10", "isbn_10"))
	if len(isbn13) == 10 && isbn10 == "" {
		// "isbn" sometimes carries the 10-digit form.
		isbn10 = isbn13
	}
	if len(isbn13) != 13 || !isDigits(isbn13) {
		isbn13 = ""
	}
	if !IsValidISBN10(isbn10) {
		isbn10 = ""
	}
	if isbn13 == "" && isbn10 != "" {
		isbn13 = ISBN10To13(isbn10)
	}

	title := CleanText(firstString(book, "title"), 0)
	titleLong := CleanText(firstString(book, "title_long", "titleLong"), 0)
	if titleLong == "" {
		titleLong = title
	}

	rec := models.RawRecord{
		ISBN13:        isbn13,
		ISBN10:        isbn10,
		Title:         title,
		TitleLong:     titleLong,
		Authors:       CleanText(joinList(firstValue(book, "authors", "author")), 0),
		Publisher:     CleanText(firstString(book, "publisher"), 0),
		DatePublished: CleanText(firstString(book, "date_published", "published_date", "datePublished"), 0),
		Language:      CleanText(firstString(book, "language"), 0),
		Subjects:      CleanText(joinList(firstValue(book, "subjects", "subject", "categories")), 0),
		Pages:         stringify(book["pages"]),
		Format:        CleanText(firstString(book, "format", "binding"), 0),
		Synopsis:      CleanText(firstString(book, "synopsis"), DescriptionMaxLen),
		Overview:      CleanText(firstString(book, "overview"), DescriptionMaxLen),
		CoverURL:      strings.TrimSpace(firstString(book, "image", "cover", "cover_url", "thumbnail")),
		Rating:        parseRating(book),
	}
	return rec, nil
}

// ValidateRecord ensures the parsed record carries the required fields.
func ValidateRecord(r *models.RawRecord) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if _, ok := CanonicalISBN(r.ISBN13); !ok || len(r.ISBN13) != 13 {
		return ErrMissingISBN
	}
	if utf8.RuneCountInString(strings.TrimSpace(r.Title)) < MinTitleLen {
		return fmt.Errorf("%w: %q", ErrShortTitle, r.Title)
	}
	return nil
}

// CleanText strips HTML markup, decodes entities and collapses whitespace.
// When maxLen is positive the result is cut to maxLen runes with an ellipsis.
func CleanText(text string, maxLen int) string {
	if text == "" {
		return ""
	}
	if strings.ContainsAny(text, "<&") {
		text = stripMarkup(text)
	}
	text = strings.Join(strings.Fields(text), " ")
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		runes := []rune(text)
		text = strings.TrimRight(string(runes[:maxLen-1]), " ") + "…"
	}
	return text
}

func stripMarkup(text string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return text
	}
	// Block-level boundaries become spaces so adjacent words don't merge.
	doc.Find("br, p, div, li, h1, h2, h3, h4, td").Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			if n.Parent != nil {
				n.Parent.InsertBefore(&html.Node{Type: html.TextNode, Data: " "}, n.NextSibling)
			}
		}
	})
	return doc.Text()
}

func parseRating(book map[string]any) *models.Rating {
	avgText := stringify(firstValue(book, "average_rating", "rating", "avg_rating"))
	if avgText == "" {
		return nil
	}
	avg, err := strconv.ParseFloat(avgText, 64)
	if err != nil {
		return nil
	}
	count := 0
	if countText := stringify(firstValue(book, "ratings_count", "rating_count", "num_ratings")); countText != "" {
		if n, err := strconv.ParseFloat(countText, 64); err == nil && n > 0 {
			count = int(n)
		}
	}
	return &models.Rating{Average: avg, Count: count}
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		if list, ok := v.([]any); ok && len(list) == 0 {
			continue
		}
		return v
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	return stringify(firstValue(m, keys...))
}

func joinList(v any) string {
	list, ok := v.([]any)
	if !ok {
		return stringify(v)
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		if s := stringify(item); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}
