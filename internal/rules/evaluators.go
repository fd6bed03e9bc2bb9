package rules

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func evalThreshold(c *domain.ThresholdCondition, tx *domain.TransactionContext) (bool, string, map[string]any) {
	actual, ok := tx.NumericField(c.Field)
	if !ok {
		return false, fmt.Sprintf("field %q not present", c.Field), nil
	}

	var triggered bool
	switch c.Operator {
	case domain.OpGreaterThan:
		triggered = actual > c.Value
	case domain.OpGreaterOrEqual:
		triggered = actual >= c.Value
	case domain.OpLessThan:
		triggered = actual < c.Value
	case domain.OpLessOrEqual:
		triggered = actual <= c.Value
	case domain.OpEqual:
		triggered = actual == c.Value
	}

	meta := map[string]any{
		"field":     c.Field,
		"actual":    actual,
		"operator":  string(c.Operator),
		"threshold": c.Value,
	}
	if triggered {
		return true, fmt.Sprintf("%s %.2f %s %.2f", c.Field, actual, c.Operator, c.Value), meta
	}
	return false, "", meta
}

// evalVelocity increments the scoped rolling counter and triggers when
// the count, including this transaction, exceeds the limit. The counter
// is bumped before comparing so back-to-back transactions in one window
// are all observed.
func (e *Engine) evalVelocity(ctx context.Context, c *domain.VelocityCondition, tx *domain.TransactionContext) (bool, string, map[string]any, error) {
	keyVal := tx.VelocityKey(c.Scope)
	if keyVal == "" {
		return false, fmt.Sprintf("no %s attribute on transaction", c.Scope), nil, nil
	}

	key := fmt.Sprintf("vel:%s:%s:%ds", c.Scope, keyVal, c.WindowSecs)
	count, err := e.cache.IncrementCounter(ctx, key, time.Duration(c.WindowSecs)*time.Second)
	if err != nil {
		return false, "", nil, fmt.Errorf("velocity counter failed: %w", err)
	}

	meta := map[string]any{
		"scope":          string(c.Scope),
		"count":          count,
		"max_count":      c.MaxCount,
		"window_seconds": c.WindowSecs,
	}
	if count > c.MaxCount {
		return true, fmt.Sprintf("%d transactions for %s in %ds window (limit %d)", count, c.Scope, c.WindowSecs, c.MaxCount), meta, nil
	}
	return false, "", meta, nil
}

func (e *Engine) evalBlacklist(ctx context.Context, c *domain.BlacklistCondition, tx *domain.TransactionContext) (bool, string, map[string]any, error) {
	value := tx.ScopedValue(c.Scope)
	if value == "" {
		return false, fmt.Sprintf("no %s attribute on transaction", c.Scope), nil, nil
	}

	entry, err := e.deny.Check(ctx, c.Scope, value)
	if err != nil {
		return false, "", nil, fmt.Errorf("blacklist check failed: %w", err)
	}
	if entry == nil {
		return false, "", nil, nil
	}

	meta := map[string]any{
		"scope":  string(c.Scope),
		"value":  value,
		"reason": entry.Reason,
	}
	return true, fmt.Sprintf("%s %s is deny-listed: %s", c.Scope, value, entry.Reason), meta, nil
}

// evalLocation compares the geolocated IP position against the shipping
// coordinates. Missing geolocation data skips the rule rather than
// triggering it.
func (e *Engine) evalLocation(ctx context.Context, c *domain.LocationCondition, tx *domain.TransactionContext) (bool, string, map[string]any, error) {
	if e.geo == nil {
		return false, "geolocation unavailable", nil, nil
	}
	if tx.IPAddress == "" || (tx.Shipping.Latitude == 0 && tx.Shipping.Longitude == 0) {
		return false, "insufficient location data", nil, nil
	}

	lat, lon, err := e.geo.Locate(ctx, tx.IPAddress)
	if err != nil {
		return false, "", nil, fmt.Errorf("geolocation failed: %w", err)
	}

	dist := haversineKm(lat, lon, tx.Shipping.Latitude, tx.Shipping.Longitude)
	meta := map[string]any{
		"distance_km": dist,
		"max_km":      c.MaxDistanceKm,
	}
	if dist > c.MaxDistanceKm {
		return true, fmt.Sprintf("IP is %.0f km from shipping address (limit %.0f km)", dist, c.MaxDistanceKm), meta, nil
	}
	return false, "", meta, nil
}

// evalTimePattern triggers inside [StartHour, EndHour], inclusive on
// both ends. Windows wrap midnight when StartHour > EndHour.
func evalTimePattern(c *domain.TimePatternCondition, tx *domain.TransactionContext) (bool, string, map[string]any) {
	hour := tx.Timestamp.Hour()

	var inside bool
	if c.StartHour <= c.EndHour {
		inside = hour >= c.StartHour && hour <= c.EndHour
	} else {
		inside = hour >= c.StartHour || hour <= c.EndHour
	}

	meta := map[string]any{
		"hour":       hour,
		"start_hour": c.StartHour,
		"end_hour":   c.EndHour,
	}
	if inside {
		return true, fmt.Sprintf("transaction at hour %d falls in risky window %d-%d", hour, c.StartHour, c.EndHour), meta
	}
	return false, "", meta
}

// evalDevicePattern records the device fingerprint in the user's rolling
// device set and triggers when the distinct device count exceeds the
// limit.
func (e *Engine) evalDevicePattern(ctx context.Context, c *domain.DevicePatternCondition, tx *domain.TransactionContext) (bool, string, map[string]any, error) {
	if tx.UserID == "" || tx.DeviceFingerprint == "" {
		return false, "no device fingerprint on transaction", nil, nil
	}

	key := fmt.Sprintf("dev:%s:%ds", tx.UserID, c.WindowSecs)
	count, err := e.cache.AddToSet(ctx, key, tx.DeviceFingerprint, time.Duration(c.WindowSecs)*time.Second)
	if err != nil {
		return false, "", nil, fmt.Errorf("device set failed: %w", err)
	}

	meta := map[string]any{
		"devices":        count,
		"max_devices":    c.MaxDevices,
		"window_seconds": c.WindowSecs,
	}
	if count > c.MaxDevices {
		return true, fmt.Sprintf("%d distinct devices for user in %ds window (limit %d)", count, c.WindowSecs, c.MaxDevices), meta, nil
	}
	return false, "", meta, nil
}

// haversineKm returns the great-circle distance between two points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
