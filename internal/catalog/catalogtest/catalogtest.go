// Package catalogtest provides catalog fixtures and a mock catalog for tests.
package catalogtest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
)

// MockCatalog is a testify mock of catalog.Catalog.
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) SearchByName(ctx context.Context, term string, limit int) ([]prescription.Product, error) {
	args := m.Called(ctx, term, limit)
	return products(args.Get(0)), args.Error(1)
}

func (m *MockCatalog) SearchByActiveIngredient(ctx context.Context, ingredient string, limit int) ([]prescription.Product, error) {
	args := m.Called(ctx, ingredient, limit)
	return products(args.Get(0)), args.Error(1)
}

func (m *MockCatalog) SearchByTherapeuticGroup(ctx context.Context, group string, limit int) ([]prescription.Product, error) {
	args := m.Called(ctx, group, limit)
	return products(args.Get(0)), args.Error(1)
}

func (m *MockCatalog) SearchByIndication(ctx context.Context, keyword string, limit int) ([]prescription.Product, error) {
	args := m.Called(ctx, keyword, limit)
	return products(args.Get(0)), args.Error(1)
}

func products(v interface{}) []prescription.Product {
	if v == nil {
		return nil
	}
	return v.([]prescription.Product)
}

// Products is a small pharmacy catalog covering the common test scenarios.
func Products() []prescription.Product {
	return []prescription.Product{
		{ID: "P001", Name: "Dopagan 500mg", Brand: "Dopagan", ActiveIngredient: "Paracetamol", TherapeuticGroup: "Giảm đau hạ sốt", Indication: "Hạ sốt, giảm đau", DosageForm: "Viên nén", Price: 15000, StockQuantity: 120},
		{ID: "P002", Name: "Panadol Extra", Brand: "Panadol", ActiveIngredient: "Paracetamol, Caffeine", TherapeuticGroup: "Analgesic", Indication: "Pain, fever", DosageForm: "Tablet", Price: 32000, StockQuantity: 40},
		{ID: "P003", Name: "Hapacol 500mg", Brand: "Hapacol", ActiveIngredient: "Paracetamol", TherapeuticGroup: "Analgesic", Indication: "Fever, pain", DosageForm: "Tablet", Price: 12000, StockQuantity: 0},
		{ID: "P004", Name: "Arcoxia 60mg", Brand: "Arcoxia", ActiveIngredient: "Etoricoxib", TherapeuticGroup: "NSAID", Indication: "Arthritis, joint pain", DosageForm: "Tablet", Price: 18000, StockQuantity: 30, PrescriptionRequired: true},
		{ID: "P005", Name: "Voltaren Emulgel 1%", Brand: "Voltaren", ActiveIngredient: "Diclofenac", TherapeuticGroup: "NSAID", Indication: "Joint pain", DosageForm: "Gel", Price: 85000, StockQuantity: 12},
		{ID: "P006", Name: "Mobic 7.5mg", Brand: "Mobic", ActiveIngredient: "Meloxicam", TherapeuticGroup: "Kháng viêm không steroid", Indication: "Viêm khớp", DosageForm: "Viên nén", Price: 9000, StockQuantity: 0, PrescriptionRequired: true},
		{ID: "P007", Name: "Augmentin 625mg", Brand: "Augmentin", ActiveIngredient: "Amoxicillin + Clavulanic acid", TherapeuticGroup: "Antibiotic", Indication: "Bacterial infection", DosageForm: "Tablet", Price: 21000, StockQuantity: 60, PrescriptionRequired: true},
		{ID: "P008", Name: "Klamentin 500mg/125mg", Brand: "Klamentin", ActiveIngredient: "Amoxicilin, Acid clavulanic", TherapeuticGroup: "Kháng sinh", Indication: "Nhiễm khuẩn", DosageForm: "Viên nén", Price: 11000, StockQuantity: 80, PrescriptionRequired: true},
		{ID: "P009", Name: "Loratadin 10mg", ActiveIngredient: "Loratadine", TherapeuticGroup: "Antihistamine", Indication: "Allergy, rhinitis", DosageForm: "Tablet", Price: 3000, StockQuantity: 200},
		{ID: "P010", Name: "Omeprazol 20mg", ActiveIngredient: "Omeprazole", TherapeuticGroup: "PPI", Indication: "Reflux, gastric ulcer", DosageForm: "Capsule", Price: 2500, StockQuantity: 150},
	}
}
