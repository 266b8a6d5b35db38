package config

import (
	"os"
	"strings"
)

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// AutoAllocateOnReceipt controls whether a stock receipt immediately sweeps
// open backorders for the received product. The production default is OFF:
// administrators commit stock to orders manually to control fulfillment
// priority. This is product policy, not a missing feature.
//
// Set via env:
// - AUTO_ALLOCATE_ON_RECEIPT=true
func AutoAllocateOnReceipt() bool {
	return envBool("AUTO_ALLOCATE_ON_RECEIPT")
}

// AllowNegativeOnHandClamp tolerates outbound cost consumption exceeding the
// tracked on-hand quantity by clamping on-hand at zero instead of failing.
// Historical data imported from the legacy system needs this; fresh deployments
// should leave it off so real drift surfaces as errors.
//
// Set via env:
// - ALLOW_NEGATIVE_ON_HAND_CLAMP=true
func AllowNegativeOnHandClamp() bool {
	return envBool("ALLOW_NEGATIVE_ON_HAND_CLAMP")
}
