package scoring

// Category is one independently capped signal family.
type Category string

const (
	CategoryKeyword   Category = "keyword"
	CategoryPublisher Category = "publisher"
	CategorySubject   Category = "subject"
	CategoryLanguage  Category = "language"
)

// Categories lists the signal families in evaluation order.
var Categories = []Category{CategoryKeyword, CategoryPublisher, CategorySubject, CategoryLanguage}

// FieldWeights scale keyword hits by the field they were found in.
type FieldWeights struct {
	Title     float64 `toml:"title"`
	Authors   float64 `toml:"authors"`
	Subjects  float64 `toml:"subjects"`
	Synopsis  float64 `toml:"synopsis"`
	Overview  float64 `toml:"overview"`
	Publisher float64 `toml:"publisher"`
}

// Bounds clamps a category's contribution.
type Bounds struct {
	Min float64 `toml:"min"`
	Max float64 `toml:"max"`
}

// Weights is the static scoring configuration. Scores are a pure function of
// a record and a Weights value.
type Weights struct {
	Terms         map[string]float64 `toml:"terms"`
	NegativeTerms map[string]float64 `toml:"negative_terms"`
	// Synonyms fold spelling variants onto one term before matching.
	Synonyms map[string]string `toml:"synonyms"`
	// StemBonus is added per field whose text contains a jew* word.
	StemBonus    float64      `toml:"stem_bonus"`
	FieldWeights FieldWeights `toml:"field_weights"`

	Publishers      []string `toml:"publishers"`
	PublisherWeight float64  `toml:"publisher_weight"`
	SubjectCodes    []string `toml:"subject_codes"`
	SubjectWeight   float64  `toml:"subject_weight"`
	Languages       []string `toml:"languages"`
	LanguageWeight  float64  `toml:"language_weight"`

	Caps map[Category]Bounds `toml:"caps"`
	// MaxScore is the top of the integer relevance scale.
	MaxScore int `toml:"max_score"`

	FictionHints    []string `toml:"fiction_hints"`
	NonFictionHints []string `toml:"non_fiction_hints"`

	// ReferenceYear anchors the recency signal so scoring does not depend
	// on the wall clock. Zero means DefaultReferenceYear.
	ReferenceYear int  `toml:"reference_year"`
	FictionOnly   bool `toml:"fiction_only"`
	MinRelevance  int  `toml:"min_relevance"`
}

// DefaultReferenceYear is the recency anchor when none is configured. Runs
// that resume one another must score against the same year.
const DefaultReferenceYear = 2025

// DefaultWeights returns the built-in term tables and caps.
func DefaultWeights() Weights {
	return Weights{
		ReferenceYear: DefaultReferenceYear,
		Terms: map[string]float64{
			"jewish": 6, "judaism": 6, "jews": 5, "hebrew": 4, "yiddish": 4,
			"talmud": 4, "torah": 4, "rabbi": 3, "synagogue": 3, "hasidic": 3,
			"hasidism": 3, "kosher": 2, "kabbalah": 3, "sephardic": 3, "ashkenazi": 3,
			"chabad": 3,

			"israel": 5, "jerusalem": 4, "tel aviv": 3, "zionism": 3, "kibbutz": 2,
			"aliyah": 3, "palestine": 2,

			"holocaust": 7, "shoah": 7, "antisemitism": 7,
			"pogrom": 5, "ghetto": 3, "concentration camp": 5,

			"hanukkah": 3, "passover": 3, "rosh hashanah": 3, "yom kippur": 3, "purim": 2,
			"sukkot": 2, "shabbat": 2, "sabbath": 2, "bar mitzvah": 2, "bat mitzvah": 2,

			"midrash": 3, "halacha": 3, "tikkun": 2, "gemara": 3, "siddur": 3,

			"yad vashem": 4, "balfour": 2, "knesset": 2, "idf": 2,
		},
		NegativeTerms: map[string]float64{
			"christmas":     -2,
			"easter":        -2,
			"church":        -2,
			"bible study":   -1,
			"new testament": -2,
			"jesus":         -3,
		},
		Synonyms: map[string]string{
			"anti semitism": "antisemitism",
			"chassidic":     "hasidic",
			"chasidic":      "hasidic",
			"shabbos":       "shabbat",
		},
		StemBonus: 2,
		FieldWeights: FieldWeights{
			Title:     2.0,
			Authors:   1.0,
			Subjects:  1.5,
			Synopsis:  0.7,
			Overview:  0.7,
			Publisher: 0.5,
		},
		Publishers: []string{
			"jewish publication society", "schocken", "koren", "artscroll", "mesorah",
			"feldheim", "behrman house", "kar-ben", "yale university press", "urim",
			"ktav", "jewish lights", "gefen",
		},
		PublisherWeight: 8,
		SubjectCodes: []string{
			"judaism", "jewish", "jews", "holocaust", "israel", "hebrew", "yiddish",
		},
		SubjectWeight:  4,
		Languages:      []string{"en"},
		LanguageWeight: 3,
		Caps: map[Category]Bounds{
			CategoryKeyword:   {Min: -10, Max: 60},
			CategoryPublisher: {Min: 0, Max: 15},
			CategorySubject:   {Min: 0, Max: 15},
			CategoryLanguage:  {Min: 0, Max: 10},
		},
		MaxScore: 100,
		FictionHints: []string{
			"fiction", "novel", "short stories", "mystery", "thriller",
			"fantasy", "romance", "literary fiction",
		},
		NonFictionHints: []string{"nonfiction", "non-fiction"},
	}
}
