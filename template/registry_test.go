package template

import "testing"

func TestNewRegistrySeedsDefaultCatalog(t *testing.T) {
	r := NewRegistry()
	tpl, ok := r.Get("martingale-conservative")
	if !ok {
		t.Fatal("Get(martingale-conservative) not found")
	}
	if tpl.Category != CategoryMartingale {
		t.Errorf("Category = %q, want martingale", tpl.Category)
	}
}

func TestGetUnknownIDReturnsFalse(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("does-not-exist"); ok {
		t.Fatal("Get(does-not-exist) = true, want false")
	}
}

func TestListByCategoryFiltersCorrectly(t *testing.T) {
	r := NewRegistry()
	mlTemplates := r.ListByCategory(CategoryML)
	if len(mlTemplates) != 1 {
		t.Fatalf("len(ListByCategory(ml)) = %d, want 1", len(mlTemplates))
	}
	if mlTemplates[0].ID != "ml-classifier-default" {
		t.Errorf("ID = %q, want ml-classifier-default", mlTemplates[0].ID)
	}
}

func TestListReturnsEveryTemplate(t *testing.T) {
	r := NewRegistry()
	if len(r.List()) != len(defaultCatalog) {
		t.Fatalf("len(List()) = %d, want %d", len(r.List()), len(defaultCatalog))
	}
}
