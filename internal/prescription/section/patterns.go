// Package section finds the medicine list inside normalized prescription text
// and cuts it into one candidate per prescribed medicine.
package section

import "regexp"

// All patterns run on folded text (see textnorm.Fold).
var (
	// strongest heading markers first; the first tier with a hit wins
	startTiers = []*regexp.Regexp{
		regexp.MustCompile(`^\s*(?:(?:[ivx]+|\d{1,2})[.)]\s*)?(?:medicines? to take|prescribed (?:medicines|medications|drugs)|medicines? prescribed|medications? to take|thuoc dieu tri|chi dinh dung thuoc|chi dinh thuoc|danh sach thuoc|thuoc ke don|ten thuoc(?: - ham luong)?|r[xp]\s*[:/])\s*(?:\([^)]*\))?\s*[:.]?`),
		regexp.MustCompile(`^\s*(?:don thuoc|toa thuoc|medications?|medicines?|prescription|rx)\s*[:.]?\s*$`),
	}

	numberedEntry = regexp.MustCompile(`^\s*(\d{1,2})\s*[).:/-]\s*\p{L}`)
	// nextNumber finds a further numbered entry inside a line; the separator is
	// restricted to ")" and "." so ranges such as "500/125mg" never split.
	nextNumber = regexp.MustCompile(`(?:^|[\s,;])(\d{1,2})\s*[).]\s*\p{L}`)

	dosageToken = regexp.MustCompile(`\d+(?:[.,]\d+)?\s*(?:/\s*\d+(?:[.,]\d+)?\s*)?(?:mg|mcg|µg|g|ml|%|iu|ui)(?:[^\p{L}]|$)`)

	scheduleWord = `(?:morning|noon|afternoon|evening|night|bedtime|sang|trua|chieu|toi|dem|moi lan|moi ngay|ngay|lan|daily|uong|take)`
	quantity     = `\d+(?:[.,/]\d+)?\s*(?:tablets?|tabs?|vien|capsules?|caps?|goi|sachets?|ml|drops?|giot|puffs?|nhat|xit|ong|mieng|lan|times?)`
	// a schedule keyword adjacent to a quantity and unit, in either order
	scheduleShape = regexp.MustCompile(`(?:^|[^\p{L}])(?:` + scheduleWord + `[\s:,-]*` + quantity + `|` + quantity + `\s*/?\s*` + scheduleWord + `)(?:[^\p{L}]|$)`)

	instructionStart = regexp.MustCompile(`^\s*[-*+•]?\s*(?:ngay uong|uong|sang|trua|chieu|toi|moi lan|dung|boi|nho|xit|ngam|take|apply|instill|inhale|morning|noon|evening|night|bedtime|once|twice|\d+\s*(?:lan|times)|sl|so luong|quantity|qty|\d+\s*(?:vien|tablets?|tabs?|capsules?|caps?|goi|ong|chai|tuyp|lo|hop|vi))(?:[^\p{L}]|$)`)

	stopPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*\(?\s*(?:ky ten|ky,? ghi ro|ky va ghi ro|signature|signed)`),
		regexp.MustCompile(`^\s*(?:bac si (?:kham benh|dieu tri|ke don)|doctor'?s?(?: signature)?|physician|prescriber)(?:[^\p{L}]|$)`),
		regexp.MustCompile(`^\s*(?:hen\s+)?(?:tai kham|follow[- ]?up|re-?examination|return visit|next visit)`),
		regexp.MustCompile(`^\s*(?:loi dan|loi khuyen|ghi chu|dan do|notes?\s*:|advice)`),
		regexp.MustCompile(`^\s*(?:cong khoan|tong so|tong cong|tong\s*:|totals?(?:[^\p{L}]|$)|so khoan)`),
		regexp.MustCompile(`^\s*(?:[\p{L} ]+,\s*)?ngay\s*\d{1,2}\s*thang\s*\d{1,2}\s*nam`),
		regexp.MustCompile(`^\s*date\s*:`),
		regexp.MustCompile(`^\s*(?:cach dung|huong dan(?: su dung)?|dosage instructions|instructions?|directions)(?:[^\p{L}]|$)`),
	}

	phoneNumber   = regexp.MustCompile(`(?:^|[^\d])(?:\+?84|0)\d{2,3}[\s.-]?\d{3}[\s.-]?\d{3,4}(?:[^\d]|$)|(?:^|[^\p{L}])(?:dt|sdt|tel|phone|dien thoai|hotline)\s*[:.]`)
	diagnosisLine = regexp.MustCompile(`^\s*(?:chan doan|chuan doan|diagnosis|icd(?:-?10)?|ma benh)(?:[^\p{L}]|$)|^\s*\(?[a-tv-z]\d{2}(?:\.\d{1,2})?\)?(?:\s|[-:;,]|$)`)

	// fragments of common drug names; a match makes an un-numbered line
	// medicine-like even without a strength
	drugFragment = regexp.MustCompile(`(?:cill?in|mycin|micin|cef[a-z]|floxacin|profen|coxib|prazol|tidin|sartan|pril(?:[^\p{L}]|$)|olol|dipin|statin|metformin|paracetamol|acetaminophen|aspirin|vitamin|clavul|augmentin|panadol|efferalgan|diclofenac|meloxicam|prednisolon|dexamethason|loratadin|cetirizin|fexofenadin|ambroxol|acetylcystein|salbutamol|domperidon|metronidazol)`)
)
