package fields

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vietnameseSlip = `SỞ Y TẾ HÀ NỘI
BỆNH VIỆN ĐA KHOA XANH PÔN
ĐƠN THUỐC
Họ tên: NGUYỄN VĂN AN Tuổi: 45
Địa chỉ: 12 Lê Lợi, Hà Nội
Điện thoại: 0912345678
Chẩn đoán: Viêm họng cấp (J02)
Thuốc điều trị:
1) Amoxicilin 500mg
Lời dặn: Uống sau ăn
Ngày 15 tháng 03 năm 2024
Bác sĩ khám bệnh
(Ký, ghi rõ họ tên)
BS. Trần Thị Bình`

const englishSlip = `City General Hospital
Patient name: John Smith
DOB: 04/07/1987 Year of birth: 1986
Date: 12/03/2024
Diagnosis: Acute pharyngitis
Medicines to take:
1) Paracetamol (Dopagan 500mg) - Morning: 1 tablet
Doctor: Dr. Jane Doe
Notes: drink water`

func TestExtractVietnameseSlip(t *testing.T) {
	rec, notes := NewExtractor().Extract(vietnameseSlip)

	require.NotNil(t, rec.CustomerName)
	assert.Equal(t, "NGUYỄN VĂN AN", *rec.CustomerName)
	require.NotNil(t, rec.DoctorName)
	assert.Equal(t, "Trần Thị Bình", *rec.DoctorName)
	require.NotNil(t, rec.FacilityName)
	assert.Equal(t, "BỆNH VIỆN ĐA KHOA XANH PÔN", *rec.FacilityName)
	require.NotNil(t, rec.ExaminationDate)
	assert.Equal(t, "15/03/2024", rec.ExaminationDate.String())
	require.NotNil(t, rec.Age)
	assert.Equal(t, 45, *rec.Age)
	require.NotNil(t, rec.Diagnosis)
	assert.Equal(t, "Viêm họng cấp (J02)", *rec.Diagnosis)
	require.NotNil(t, rec.Notes)
	assert.Equal(t, "Uống sau ăn", *rec.Notes)

	assert.Nil(t, rec.DateOfBirth)
	assert.Nil(t, rec.YearOfBirth)
	assert.Empty(t, notes)
}

func TestExtractEnglishSlipReconcilesBirthYear(t *testing.T) {
	rec, notes := NewExtractor().Extract(englishSlip)

	require.NotNil(t, rec.CustomerName)
	assert.Equal(t, "John Smith", *rec.CustomerName)
	require.NotNil(t, rec.DoctorName)
	assert.Equal(t, "Jane Doe", *rec.DoctorName)
	require.NotNil(t, rec.FacilityName)
	assert.Equal(t, "City General Hospital", *rec.FacilityName)

	require.NotNil(t, rec.DateOfBirth)
	assert.Equal(t, time.July, rec.DateOfBirth.Month)
	require.NotNil(t, rec.YearOfBirth)
	assert.Equal(t, 1987, *rec.YearOfBirth)
	require.NotNil(t, rec.Age)
	assert.Equal(t, 36, *rec.Age)

	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "year of birth 1986 disagrees")
}

func TestExtractFallsBackToLessSpecificRule(t *testing.T) {
	rec, _ := NewExtractor().Extract("Họ tên: 0912345678\nBệnh nhân: Lê Thị Hoa")

	require.NotNil(t, rec.CustomerName)
	assert.Equal(t, "Lê Thị Hoa", *rec.CustomerName)
}

func TestExtractLeavesInvalidFieldsAbsent(t *testing.T) {
	rec, notes := NewExtractor().Extract("Ngày sinh: 31/02/1990\nNăm sinh: 1850\nTuổi: 200")

	assert.Nil(t, rec.DateOfBirth)
	assert.Nil(t, rec.YearOfBirth)
	assert.Nil(t, rec.Age)
	assert.Nil(t, rec.CustomerName)

	joined := strings.Join(notes, "\n")
	assert.Contains(t, joined, "date_of_birth: ambiguous field extraction")
	assert.Contains(t, joined, "year_of_birth: ambiguous field extraction")
	assert.Contains(t, joined, "age: ambiguous field extraction")
}

func TestExtractDropsBirthDateAfterExamination(t *testing.T) {
	rec, notes := NewExtractor().Extract("Ngày khám: 01/01/2024\nNgày sinh: 05/05/2024")

	require.NotNil(t, rec.ExaminationDate)
	assert.Nil(t, rec.DateOfBirth)
	assert.Nil(t, rec.Age)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "not before examination date")
}

func TestExtractAgeFromSuffixAndInfantMonths(t *testing.T) {
	rec, _ := NewExtractor().Extract("Bệnh nhân: Phạm Minh Khôi, 8 tháng tuổi")
	require.NotNil(t, rec.Age)
	assert.Equal(t, 0, *rec.Age)

	rec, _ = NewExtractor().Extract("John Smith, 52 years old")
	require.NotNil(t, rec.Age)
	assert.Equal(t, 52, *rec.Age)
}

func TestRuleSetPerLinePass(t *testing.T) {
	rs := RuleSet[string]{
		Field: "code",
		Rules: []Rule[string]{{
			Name:    "anchored",
			Pattern: regexp.MustCompile(`^code:\s*(\w+)$`),
			Parse: func(g []string) (string, bool) {
				return g[1], g[1] != "none"
			},
		}},
	}

	res := rs.Find(NewDocument("header\nCode: ABC"))
	require.True(t, res.Found)
	assert.Equal(t, "ABC", res.Value)
	assert.Equal(t, 1, res.Line)
	assert.Equal(t, "anchored", res.Rule)

	res = rs.Find(NewDocument("code: none"))
	assert.False(t, res.Found)
	assert.True(t, res.Ambiguous())
}

func TestRuleSetPrepend(t *testing.T) {
	custom := nameRule("ward-patient", `(?m)^\s*nguoi dieu tri\s*:\s*([^\n]+)`)
	rs := CustomerNameRules().Prepend(custom)

	res := rs.Find(NewDocument("Người điều trị: Hoàng Văn Tư\nHọ tên: Lý Thị Mai"))
	require.True(t, res.Found)
	assert.Equal(t, "Hoàng Văn Tư", res.Value)
	assert.Len(t, CustomerNameRules().Rules, len(rs.Rules)-1)
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("Nguyễn Văn An"))
	assert.False(t, ValidName("0912345678"))
	assert.False(t, ValidName("12 Lê Lợi"))
	assert.False(t, ValidName("Địa chỉ Hà Nội"))
	assert.False(t, ValidName("(Ký, ghi rõ họ tên)"))
	assert.False(t, ValidName("A"))
}

func TestCleanName(t *testing.T) {
	assert.Equal(t, "Trần Thị Bình", CleanName("ThS. BS. Trần Thị Bình"))
	assert.Equal(t, "Nguyễn Văn An", CleanName("Nguyễn Văn An - Giới tính: Nam"))
	assert.Equal(t, "Jane Doe", CleanName("Dr. Jane Doe."))
}
