package scheduler

import "github.com/mistakeknot/interlease/internal/storage"

// CatalogName identifies the scheduler's logical database.
const CatalogName = "interlease"

const (
	Resources    = "resources"
	Reservations = "reservations"

	byOwner          = "owner_id"
	byResource       = "resource_id"
	byRequester      = "requester_id"
	byResourceStatus = "resource_status"
)

// CatalogV1 is the first released schema.
func CatalogV1() storage.Catalog {
	return storage.Catalog{
		Name:    CatalogName,
		Version: 1,
		Collections: []storage.CollectionDef{
			{
				Name:       Resources,
				PrimaryKey: "id",
				Indexes:    []storage.IndexDef{storage.SimpleIndex(byOwner, "owner_id")},
			},
			{
				Name:       Reservations,
				PrimaryKey: "id",
				Indexes: []storage.IndexDef{
					storage.SimpleIndex(byResource, "resource_id"),
					storage.SimpleIndex(byRequester, "requester_id"),
				},
			},
		},
	}
}

// CatalogV2 adds the owner index on reservations and the (resource, status)
// composite used to load a resource's active set.
func CatalogV2() storage.Catalog {
	c := CatalogV1()
	c.Version = 2
	c.Collections[1].Indexes = append(c.Collections[1].Indexes,
		storage.SimpleIndex(byOwner, "owner_id"),
		storage.CompositeIndex(byResourceStatus, "resource_id", "status"),
	)
	return c
}

// Catalog is the current schema.
func Catalog() storage.Catalog {
	return CatalogV2()
}
