package models

// Category is a catalog category.
type Category struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	ParentID *int   `json:"parent_id,omitempty"`
	Position int    `json:"position"`
	Level    int    `json:"level"`
	IsActive bool   `json:"is_active"`
}

// CategoryTree is a category with its nested children, as returned by the
// tree endpoint.
type CategoryTree struct {
	Category
	Children []CategoryTree `json:"children_data"`
}

// Flatten returns the tree nodes in depth-first order.
func (t *CategoryTree) Flatten() []Category {
	out := []Category{t.Category}
	for i := range t.Children {
		out = append(out, t.Children[i].Flatten()...)
	}
	return out
}

// CategoryPage is one page of the category listing.
type CategoryPage struct {
	Items      []Category `json:"items"`
	TotalCount int        `json:"total_count"`
}
