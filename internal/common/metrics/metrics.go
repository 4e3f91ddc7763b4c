package metrics

// MetricPrefix is prepended to the name of every metric exported by viewpool.
const MetricPrefix = "viewpool_"
