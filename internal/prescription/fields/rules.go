package fields

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
)

// Patterns below run on folded text: lowercase ASCII letters, no diacritics.
const (
	lb      = `(?:^|[^\p{L}\p{N}])`
	dmy     = `(\d{1,2})\s*[/.-]\s*(\d{1,2})\s*[/.-]\s*(\d{4})`
	sepReq  = `\s*[:.]\s*`
	sepOpt  = `\s*[:.]?\s*`
	restOfL = `([^\n]+)`
)

var (
	inlineLabel  = regexp.MustCompile(`(?:\s+|[,;|]\s*|\s-\s*)(?:tuoi|age|nam sinh|ngay sinh|gioi tinh|gioi|sex|gender|dob|yob|dia chi|address|dt|sdt|dien thoai|phone|tel|ma bn|ma so|so the|bhyt|can nang|weight|chan doan|diagnosis|ngay kham)(?:\s*[:.]|\s+\d|$)`)
	facilityTail = regexp.MustCompile(`(?:\s+|[,;|]\s*|\s-\s*)(?:dia chi|address|dt|sdt|dien thoai|phone|tel|hotline|email|website)(?:\s*[:.]|\s+\d|$)`)
	titlePrefix  = regexp.MustCompile(`^(?:(?:gs|pgs|ts|ths|bs|bsck(?:i{1,2}|[12])|bscc|dr|mr|mrs|ms|ong|ba)(?:\.\s*|\s+))+`)
	nonNameWords = []string{
		"dia chi", "address", "so nha", "phone", "dien thoai", "sdt", "tel", "email",
		"street", "ward", "district", "benh vien", "phong kham", "hospital", "clinic",
		"chan doan", "diagnosis", "don thuoc", "prescription", "ky ten", "ghi ro",
		"signature", "benh nhan", "patient", "bac si", "doctor",
	}
)

// CustomerNameRules are the patient-name rules.
func CustomerNameRules() RuleSet[string] {
	return RuleSet[string]{
		Field: "customer_name",
		Rules: []Rule[string]{
			nameRule("patient-label", lb+`(?:ho va ten|ho ten|ten benh nhan|ten nguoi benh|patient name|full name)(?:\s+(?:benh nhan|nguoi benh))?`+sepReq+restOfL),
			nameRule("patient-short-label", lb+`(?:benh nhan|nguoi benh|patient|ong/ba|ong \(ba\))`+sepReq+restOfL),
			nameRule("name-line", `(?m)^\s*(?:name|ten)`+sepReq+restOfL),
			nameRule("patient-label-no-colon", `(?m)^\s*(?:ho va ten|ho ten|patient name)\s+`+restOfL),
		},
	}
}

// DoctorNameRules are the prescriber rules.
func DoctorNameRules() RuleSet[string] {
	return RuleSet[string]{
		Field: "doctor_name",
		Rules: []Rule[string]{
			nameRule("doctor-label", lb+`(?:bac si kham benh|bac si dieu tri|bac si ke don|bac si|physician|doctor|prescriber)`+sepReq+restOfL),
			nameRule("doctor-title", lb+`(?:(?:gs|pgs|ts|ths)\.?\s*)?(?:bsck(?:i{1,2}|[12])|bs|dr)(?:\.\s*|\s+)(\p{L}[^\n]*)`),
			nameRule("signature-block", `(?m)^\s*(?:bac si kham benh|bac si dieu tri|bac si ke don|doctor|physician|doctor'?s? signature)\s*[:.]?\s*\n(?:[^\n]*(?:ky|sign|ghi ro)[^\n]*\n)?`+restOfL),
		},
	}
}

// FacilityRules are the hospital or clinic rules.
func FacilityRules() RuleSet[string] {
	return RuleSet[string]{
		Field: "facility_name",
		Rules: []Rule[string]{
			facilityRule("facility-label", lb+`(?:co so kham(?: chua)? benh|noi kham|facility|hospital name|clinic name)`+sepReq+restOfL),
			facilityRule("facility-heading", `(?m)^\s*((?:benh vien|phong kham|trung tam y te|bv|hospital|clinic|polyclinic|medical cent(?:er|re))(?:[^\p{L}\n][^\n]*)?)$`),
			facilityRule("facility-suffix", `(?m)^\s*([^\n]*\b(?:hospital|clinic|medical cent(?:er|re)))\s*$`),
		},
	}
}

// ExaminationDateRules are the visit date rules.
func ExaminationDateRules() RuleSet[prescription.Date] {
	return RuleSet[prescription.Date]{
		Field: "examination_date",
		Rules: []Rule[prescription.Date]{
			dateRule("exam-label", lb+`(?:ngay kham|ngay ke don|ngay ke toa|exam(?:ination)? date|visit date|date of visit|prescription date)`+sepOpt+dmy),
			dateRule("vietnamese-footer", lb+`ngay\s*(\d{1,2})\s*thang\s*(\d{1,2})\s*nam\s*(\d{4})`),
			dateRule("date-label", lb+`(?:ngay|date)\s*:\s*`+dmy),
		},
	}
}

// DateOfBirthRules are the full birth date rules.
func DateOfBirthRules() RuleSet[prescription.Date] {
	return RuleSet[prescription.Date]{
		Field: "date_of_birth",
		Rules: []Rule[prescription.Date]{
			dateRule("dob-label", lb+`(?:ngay thang nam sinh|ngay sinh|sinh ngay|date of birth|birth\s?date|d\.?o\.?b\.?)`+sepOpt+dmy),
		},
	}
}

// YearOfBirthRules are the birth year rules.
func YearOfBirthRules() RuleSet[int] {
	return RuleSet[int]{
		Field: "year_of_birth",
		Rules: []Rule[int]{
			yearRule("yob-label", lb+`(?:nam sinh|year of birth|yob|sinh nam)`+sepOpt+`(\d{4})(?:\D|$)`),
			yearRule("dob-year-only", lb+`(?:ngay sinh|date of birth|dob)`+sepOpt+`(\d{4})(?:\D|$)`),
		},
	}
}

// AgeRules are the age rules.
func AgeRules() RuleSet[int] {
	return RuleSet[int]{
		Field: "age",
		Rules: []Rule[int]{
			ageRule("age-label", lb+`(?:tuoi|age)`+sepOpt+`(\d{1,3})(?:\D|$)`, 1),
			ageRule("age-suffix", `(?:^|\D)(\d{1,3})\s*(?:tuoi|years? old|y/?o)(?:[^\p{L}]|$)`, 1),
			ageRule("infant-months", `(?:^|\D)(\d{1,2})\s*thang\s*tuoi`, 0),
		},
	}
}

// DiagnosisRules are the diagnosis rules.
func DiagnosisRules() RuleSet[string] {
	return RuleSet[string]{
		Field: "diagnosis",
		Rules: []Rule[string]{
			textRule("diagnosis-label", lb+`(?:chan doan|chuan doan|diagnosis|dx)(?:\s+benh)?`+sepReq+restOfL, 2, 300),
			textRule("diagnosis-next-line", `(?m)^\s*(?:chan doan|diagnosis)\s*[:.]?\s*\n`+restOfL, 2, 300),
		},
	}
}

// NotesRules are the advice and follow-up rules.
func NotesRules() RuleSet[string] {
	return RuleSet[string]{
		Field: "notes",
		Rules: []Rule[string]{
			textRule("advice-label", lb+`(?:loi dan(?: cua bac si)?|loi khuyen|ghi chu|dan do|notes?|advice)`+sepReq+restOfL, 2, 500),
			textRule("advice-next-line", `(?m)^\s*(?:loi dan(?: cua bac si)?|loi khuyen|ghi chu|notes?|advice)\s*[:.]?\s*\n`+restOfL, 2, 500),
			textRule("follow-up-line", `(?m)^\s*((?:tai kham|hen tai kham|follow[- ]up|re-?examination)[^\n]*)$`, 4, 500),
		},
	}
}

func nameRule(name, expr string) Rule[string] {
	return Rule[string]{
		Name:    name,
		Pattern: regexp.MustCompile(expr),
		Parse: func(groups []string) (string, bool) {
			v := CleanName(groups[1])
			return v, ValidName(v)
		},
	}
}

func facilityRule(name, expr string) Rule[string] {
	return Rule[string]{
		Name:    name,
		Pattern: regexp.MustCompile(expr),
		Parse: func(groups []string) (string, bool) {
			v := cleanText(cutAt(groups[1], facilityTail))
			n := utf8.RuneCountInString(v)
			return v, n >= 4 && n <= 120 && len(strings.Fields(v)) >= 2 && hasLetter(v)
		},
	}
}

func textRule(name, expr string, minLen, maxLen int) Rule[string] {
	return Rule[string]{
		Name:    name,
		Pattern: regexp.MustCompile(expr),
		Parse: func(groups []string) (string, bool) {
			v := cleanText(groups[1])
			n := utf8.RuneCountInString(v)
			return v, n >= minLen && n <= maxLen && hasLetter(v)
		},
	}
}

func dateRule(name, expr string) Rule[prescription.Date] {
	return Rule[prescription.Date]{
		Name:    name,
		Pattern: regexp.MustCompile(expr),
		Parse: func(groups []string) (prescription.Date, bool) {
			day, err1 := strconv.Atoi(groups[1])
			month, err2 := strconv.Atoi(groups[2])
			year, err3 := strconv.Atoi(groups[3])
			if err1 != nil || err2 != nil || err3 != nil {
				return prescription.Date{}, false
			}
			d, err := prescription.NewDate(year, month, day)
			return d, err == nil
		},
	}
}

func yearRule(name, expr string) Rule[int] {
	return Rule[int]{
		Name:    name,
		Pattern: regexp.MustCompile(expr),
		Parse: func(groups []string) (int, bool) {
			y, err := strconv.Atoi(groups[1])
			return y, err == nil && y >= 1900 && y <= 2100
		},
	}
}

// ageRule with scale 0 reports an infant age given in months as zero years.
func ageRule(name, expr string, scale int) Rule[int] {
	return Rule[int]{
		Name:    name,
		Pattern: regexp.MustCompile(expr),
		Parse: func(groups []string) (int, bool) {
			a, err := strconv.Atoi(groups[1])
			if err != nil {
				return 0, false
			}
			a *= scale
			return a, a >= 0 && a <= 130
		},
	}
}

// CleanName strips honorifics, trailing inline labels and punctuation.
func CleanName(raw string) string {
	v := cleanText(cutAt(raw, inlineLabel))
	if loc := titlePrefix.FindStringIndex(textnorm.Fold(v)); loc != nil {
		v = textnorm.RuneSlice(v, textnorm.ByteToRuneOffset(textnorm.Fold(v), loc[1]), utf8.RuneCountInString(v))
	}
	return cleanText(v)
}

// ValidName reports whether v is plausible as a person's name.
func ValidName(v string) bool {
	n := utf8.RuneCountInString(v)
	if n < 2 || n > 60 || !hasLetter(v) || len(strings.Fields(v)) > 6 {
		return false
	}
	if strings.ContainsAny(v, "@()[]{}") {
		return false
	}
	for _, r := range v {
		if unicode.IsDigit(r) {
			return false
		}
	}
	key := " " + textnorm.Key(v) + " "
	for _, w := range nonNameWords {
		if strings.Contains(key, " "+w+" ") {
			return false
		}
	}
	return true
}

func cutAt(value string, re *regexp.Regexp) string {
	folded := textnorm.Fold(value)
	loc := re.FindStringIndex(folded)
	if loc == nil {
		return value
	}
	return textnorm.RuneSlice(value, 0, textnorm.ByteToRuneOffset(folded, loc[0]))
}

func cleanText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " .,:;-_|*")
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
