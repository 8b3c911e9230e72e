package provider

// Capabilities are static, configuration-derived facts about a provider.
// They are loaded once per connection and consulted by the batch runner to
// size batches and throttle concurrency.
type Capabilities struct {
	MaxObjectSize      int64
	MultipartThreshold int64
	OptimalBatchSize   int
	MaxConcurrency     int
	RateLimitPerSec    int
	Regions            []string
}

var capabilitiesByType = map[Type]Capabilities{
	TypeMinIO: {
		MaxObjectSize:      5 * 1024 * 1024 * 1024 * 1024, // 5TB
		MultipartThreshold: 100 * 1024 * 1024,
		OptimalBatchSize:   100,
		MaxConcurrency:     16,
	},
	TypeS3: {
		MaxObjectSize:      5 * 1024 * 1024 * 1024 * 1024,
		MultipartThreshold: 100 * 1024 * 1024,
		OptimalBatchSize:   100,
		MaxConcurrency:     32,
		Regions: []string{
			"us-east-1", "us-east-2", "us-west-1", "us-west-2",
			"eu-west-1", "eu-central-1", "ap-southeast-1", "ap-northeast-1",
		},
	},
	TypeFS: {
		MaxObjectSize:    0, // limited by the filesystem, not the adapter
		OptimalBatchSize: 500,
		MaxConcurrency:   8,
	},
}

// CapabilitiesFor returns the static capabilities for a provider type.
func CapabilitiesFor(t Type) Capabilities {
	return capabilitiesByType[t]
}
