package testdb

import "github.com/figcuration/curator/pkg/taxonomy"

// BreedsTaxonomy is the classifier tree of the breeds fixture.
func BreedsTaxonomy() *taxonomy.Taxonomy {
	t, err := taxonomy.New(map[string]string{
		"breeds":         "",
		"breeds-bulldog": "bul.",
		"breeds-terrier": "ter.",
	})
	if err != nil {
		panic(err)
	}
	return t
}
