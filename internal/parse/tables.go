// SPDX-License-Identifier: MIT

package parse

// param maps a canonical measurement name to the lowercase keywords that
// label it in lab report tables. Keyword lists carry both Russian and
// Latin forms because reports mix them freely.
type param struct {
	key      string
	keywords []string
}

// bloodParams is the complete blood count panel. Order matters: more
// specific labels must come before their substrings.
var bloodParams = []param{
	{"hemoglobin", []string{"гемоглобин", "hgb", "hb"}},
	{"erythrocytes", []string{"эритроциты", "rbc"}},
	{"leukocytes", []string{"лейкоциты", "wbc"}},
	{"platelets", []string{"тромбоциты", "plt", "platelets"}},
	{"hematocrit", []string{"гематокрит", "hct"}},
	{"esr", []string{"соэ (метод", "скорости оседания эритроцитов"}},
	{"neutrophils", []string{"нейтрофилы", "neutrophils", "ne"}},
	{"lymphocytes", []string{"лимфоциты", "lymphocytes", "lymf"}},
	{"monocytes", []string{"моноциты", "monocytes", "mon"}},
	{"eosinophils", []string{"эозинофилы", "eosinophils", "eo"}},
	{"basophils", []string{"базофилы", "basophils", "ba"}},
}

// leukoParams are differential counts reported as percentages. Their label
// line must carry a percent sign or the match is the absolute count.
var leukoParams = map[string]bool{
	"neutrophils": true,
	"lymphocytes": true,
	"monocytes":   true,
	"eosinophils": true,
	"basophils":   true,
}

var biochemParams = []param{
	{"glucose", []string{"глюкоза", "glucose"}},
	{"creatinine", []string{"креатинин", "creatinine"}},
	{"urea", []string{"мочевина", "urea"}},
	{"alt", []string{"алт", "аланинаминотрансфераза"}},
	{"ast", []string{"аст", "аспартатаминотрансфераза"}},
	{"bilirubin_total", []string{"билирубин общий", "total bilirubin"}},
	{"cholesterol", []string{"холестерин общий", "total cholesterol"}},
	{"atherogenic_index", []string{"индекс атерогенности"}},
}

var hormoneParams = []param{
	{"tsh", []string{"ттг", "tsh", "thyroid stimulating hormone"}},
	{"free_t4", []string{"свободный т4", "free t4", "ft4"}},
	{"free_t3", []string{"свободный т3", "free t3", "ft3"}},
	{"testosterone", []string{"тестостерон", "testosterone"}},
	{"estradiol", []string{"эстрадиол", "estradiol"}},
	{"prolactin", []string{"пролактин", "prolactin"}},
	{"cortisol", []string{"кортизол", "cortisol"}},
}

// plausibleRanges reject OCR misreads: a hemoglobin of 7000 is a table
// artifact, not a measurement.
var plausibleRanges = map[string][2]float64{
	"hemoglobin":   {50, 250},
	"erythrocytes": {1, 10},
	"leukocytes":   {1, 50},
	"platelets":    {50, 1000},
	"hematocrit":   {10, 80},
	"esr":          {0, 50},
	"neutrophils":  {0, 100},
	"lymphocytes":  {0, 100},
	"monocytes":    {0, 50},
	"eosinophils":  {0, 50},
	"basophils":    {0, 20},
	"tsh":          {0.1, 10},
	"free_t4":      {5, 30},
}

// classifyKeywords drive the document-level analysis type census.
var classifyKeywords = map[string][]string{
	"blood_general": {
		"гемоглобин", "эритроциты", "лейкоциты", "соэ",
		"hemoglobin", "rbc", "wbc",
		"общий анализ крови", "cbc", "complete blood count",
		"тромбоциты", "platelets", "лейкоформула",
	},
	"blood_biochem": {
		"глюкоза", "белок", "креатинин", "мочевина", "алт", "аст", "холестерин",
		"glucose", "protein", "creatinine", "urea", "alt", "ast",
		"bilirubin_total", "cholesterol",
		"биохимический анализ", "биохимия", "biochemistry", "липидный профиль",
	},
	"hormones": {
		"ттг", "тироксин", "тестостерон", "эстрадиол", "пролактин",
		"tsh", "t4", "testosterone", "hormone",
		"гормон", "гормональный", "эндокринология",
	},
}

// Section headers bounding the CBC block in combined reports.
var (
	bloodSectionStarts = []string{"общий анализ крови", "cbc"}
	bloodSectionEnds   = []string{"биохимические исследования", "гормональные"}
)

// unitPatterns capture the measurement unit on the label or value line.
var unitPatterns = map[string]string{
	"glucose":           `ммоль/л`,
	"urea":              `ммоль/л`,
	"creatinine":        `мкмоль/л`,
	"bilirubin_total":   `мкмоль/л`,
	"alt":               `ед/л`,
	"ast":               `ед/л`,
	"hemoglobin":        `г/л`,
	"atherogenic_index": `< \d+[.,]\d+`,
}
