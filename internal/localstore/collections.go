package localstore

// SchemaVersion is bumped whenever collection layout or indexes change.
// Upgrades rebuild the cache from the remote store.
const SchemaVersion = 3

const (
	CollectionProducts     = "products"
	CollectionAggregates   = "inventory_aggregates"
	CollectionTransactions = "transactions"
	CollectionShipments    = "shipments"
	CollectionQueue        = "offline_queue"
)

// Collections declares the cache layout used by the sync services.
func Collections() []CollectionSpec {
	return []CollectionSpec{
		{Name: CollectionProducts, Indexes: []IndexSpec{{Field: "productCode", Unique: true}}},
		{Name: CollectionAggregates},
		{Name: CollectionTransactions, Indexes: []IndexSpec{
			{Field: "productCode"},
			{Field: "transactionDate"},
		}},
		{Name: CollectionShipments},
		{Name: CollectionQueue},
	}
}
