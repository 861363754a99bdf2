package categories

import (
	"sort"

	"github.com/aluiziolira/catalog-export/models"
)

// Hierarchy is the parent/child view of whatever categories are in hand.
// It is complete only when every category of the catalog was supplied.
type Hierarchy struct {
	Categories map[int]models.Category
	Children   map[int][]int
	// Roots holds categories without a parent in the supplied set.
	Roots []int
}

// BuildHierarchy derives relationships from categories. Children and roots
// are ordered by position, then id.
func BuildHierarchy(categories []models.Category) *Hierarchy {
	h := &Hierarchy{
		Categories: make(map[int]models.Category, len(categories)),
		Children:   make(map[int][]int),
		Roots:      []int{},
	}
	for _, c := range categories {
		h.Categories[c.ID] = c
	}

	for id, c := range h.Categories {
		if c.ParentID != nil {
			if _, ok := h.Categories[*c.ParentID]; ok && *c.ParentID != id {
				h.Children[*c.ParentID] = append(h.Children[*c.ParentID], id)
				continue
			}
		}
		h.Roots = append(h.Roots, id)
	}

	h.sortIDs(h.Roots)
	for _, ids := range h.Children {
		h.sortIDs(ids)
	}
	return h
}

func (h *Hierarchy) sortIDs(ids []int) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := h.Categories[ids[i]], h.Categories[ids[j]]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
}

// Path returns the ids from the top-most known ancestor down to id.
func (h *Hierarchy) Path(id int) []int {
	path := []int{}
	seen := make(map[int]struct{})
	for {
		c, ok := h.Categories[id]
		if !ok {
			break
		}
		if _, loop := seen[id]; loop {
			break
		}
		seen[id] = struct{}{}
		path = append(path, id)
		if c.ParentID == nil {
			break
		}
		id = *c.ParentID
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
