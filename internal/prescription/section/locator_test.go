package section

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
)

func TestLocateHeadingAndStop(t *testing.T) {
	lines := []string{
		"BỆNH VIỆN ĐA KHOA",
		"Thuốc điều trị:",
		"1) Paracetamol 500mg",
		"Sáng 1 viên, tối 1 viên",
		"Cách dùng: sáng 1 viên, chiều 1 viên",
		"2) Ibuprofen 400mg",
		"Lời dặn: uống nhiều nước",
		"Ngày 15 tháng 03 năm 2024",
	}

	r := NewLocator().Locate(lines)

	assert.True(t, r.Found)
	assert.True(t, r.Heading)
	assert.Equal(t, 1, r.Start)
	assert.Equal(t, 6, r.End)
	assert.Equal(t, len([]rune("Thuốc điều trị:")), r.HeadingEnd)
}

func TestLocateFallsBackToNumberedMedicine(t *testing.T) {
	lines := []string{"Họ tên: Lê Văn Tám", "1) Paracetamol 500mg", "Tái khám sau 7 ngày"}

	r := NewLocator().Locate(lines)

	assert.True(t, r.Found)
	assert.False(t, r.Heading)
	assert.Equal(t, 1, r.Start)
	assert.Equal(t, 2, r.End)
}

func TestLocateWithoutAnyMarkerScansEverything(t *testing.T) {
	r := NewLocator().Locate([]string{"hello", "world"})

	assert.False(t, r.Found)
	assert.Equal(t, Range{Start: 0, End: 2}, r)
}

func TestLocatePrefersStrongHeadingOverTitle(t *testing.T) {
	lines := []string{"ĐƠN THUỐC", "Họ tên: An", "Medicines to take:", "1) Paracetamol 500mg"}

	r := NewLocator().Locate(lines)
	assert.Equal(t, 2, r.Start)
}

func TestDosingScheduleIsNeverAStop(t *testing.T) {
	l := NewLocator()

	stops := map[string]bool{
		"Morning: 1 tablet, Evening: 1 tablet":               false,
		"Instructions: Morning: 1 tablet, Evening: 1 tablet": false,
		"Cách dùng: ngày uống 2 lần, mỗi lần 1 viên":         false,
		"Instructions:":                                      true,
		"Signature":                                          true,
		"Bác sĩ khám bệnh":                                   true,
		"Cộng khoản: 3":                                      true,
		"Follow-up in 2 weeks":                               true,
	}
	for line, want := range stops {
		assert.Equal(t, want, l.IsStop(textnorm.Fold(line)), line)
	}
}
