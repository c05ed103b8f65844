package config

// Allocation captures the allocation engine policy knobs.
type Allocation struct {
	Pool                    string `toml:"Pool"`
	MinAllocation           string `toml:"MinAllocation"`
	OnchainWeightBps        uint64 `toml:"OnchainWeightBps"`
	Remainder               string `toml:"Remainder"`
	RestrictedShareBps      uint64 `toml:"RestrictedShareBps"`
	RestrictedMinAllocation string `toml:"RestrictedMinAllocation"`
	UpkeepIntervalSeconds   uint64 `toml:"UpkeepIntervalSeconds"`
}

// Fees defines the fee rates charged by the pool.
type Fees struct {
	ManagementBps  uint32 `toml:"ManagementBps"`
	PerformanceBps uint32 `toml:"PerformanceBps"`
}

// Risk holds the thresholds of one risk engine.
type Risk struct {
	MinLiquidity string `toml:"MinLiquidity"`
	MaxLTVBps    uint64 `toml:"MaxLTVBps"`
}

// Leverage bounds borrowing. Venues maps each leverage venue to the
// loan-to-value it borrows at.
type Leverage struct {
	MaxPriceChangeBps   uint64            `toml:"MaxPriceChangeBps"`
	PriceMaxAgeSeconds  uint64            `toml:"PriceMaxAgeSeconds"`
	MaxSignalChangeBps  uint64            `toml:"MaxSignalChangeBps"`
	SignalWindowSeconds uint64            `toml:"SignalWindowSeconds"`
	SignalMaxAgeSeconds uint64            `toml:"SignalMaxAgeSeconds"`
	MinLiquidity        string            `toml:"MinLiquidity"`
	MaxTotalBorrow      string            `toml:"MaxTotalBorrow"`
	PerVenueBps         uint64            `toml:"PerVenueBps"`
	MaxLeveragedVenues  int               `toml:"MaxLeveragedVenues"`
	Venues              map[string]uint64 `toml:"Venues"`
}

// Oracle tunes the prediction aggregator.
type Oracle struct {
	Quorum        int    `toml:"Quorum"`
	MaxAgeSeconds uint64 `toml:"MaxAgeSeconds"`
	MaxAPYBps     uint64 `toml:"MaxAPYBps"`
	MaxRiskBps    uint64 `toml:"MaxRiskBps"`
}

// Pauses lists the modules that start paused. Operators can lift a pause at
// runtime through the API.
type Pauses struct {
	Allocation bool `toml:"Allocation"`
}

// Policy bundles the engine policy enforced by Validate.
type Policy struct {
	Allocation     Allocation `toml:"allocation"`
	Fees           Fees       `toml:"fees"`
	Risk           Risk       `toml:"risk"`
	RestrictedRisk Risk       `toml:"restricted_risk"`
	Leverage       Leverage   `toml:"leverage"`
	Oracle         Oracle     `toml:"oracle"`
	Pauses         Pauses     `toml:"pauses"`
}
