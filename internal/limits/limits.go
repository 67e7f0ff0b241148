// Package limits projects the effective rate limits a caller gets on each
// authenticated route.
//
// The gateway evaluates limit plugins with a fixed precedence: a plugin on
// the consumer beats the same plugin on the consumer group, which beats the
// route. The projection mirrors that precedence per plugin, independently
// for the request rate (limit-req) and the quota (limit-count).
package limits

import (
	"context"
	"fmt"
	"strings"

	"github.com/eumetnet/apikey-manager/internal/apisix"
	"github.com/eumetnet/apikey-manager/internal/fanout"
)

// RouteLimits is one advertised route with its rendered limit description.
type RouteLimits struct {
	URL    string `json:"url"`
	Limits string `json:"limits"`
}

type source int

const (
	sourceNone source = iota
	sourceRoute
	sourceGroup
	sourceConsumer
)

func (s source) String() string {
	switch s {
	case sourceRoute:
		return "Route"
	case sourceGroup:
		return "Group"
	case sourceConsumer:
		return "Consumer"
	}
	return ""
}

// Project computes the effective limits of every route on one gateway
// instance for the given caller. consumer and group may be nil.
func Project(routes []apisix.Route, gatewayURL string, consumer *apisix.Consumer, group *apisix.ConsumerGroup) []RouteLimits {
	projected := make([]RouteLimits, 0, len(routes))
	for _, route := range routes {
		if route.Plugins.KeyAuth == nil {
			continue
		}
		projected = append(projected, RouteLimits{
			URL:    gatewayURL + route.URI,
			Limits: render(route, consumer, group),
		})
	}
	return projected
}

func effectiveReq(route apisix.Route, consumer *apisix.Consumer, group *apisix.ConsumerGroup) (source, *apisix.LimitReq) {
	if consumer != nil && consumer.Plugins.LimitReq != nil {
		return sourceConsumer, consumer.Plugins.LimitReq
	}
	if group != nil && group.Plugins.LimitReq != nil {
		return sourceGroup, group.Plugins.LimitReq
	}
	if route.Plugins.LimitReq != nil {
		return sourceRoute, route.Plugins.LimitReq
	}
	return sourceNone, nil
}

func effectiveCount(route apisix.Route, consumer *apisix.Consumer, group *apisix.ConsumerGroup) (source, *apisix.LimitCount) {
	if consumer != nil && consumer.Plugins.LimitCount != nil {
		return sourceConsumer, consumer.Plugins.LimitCount
	}
	if group != nil && group.Plugins.LimitCount != nil {
		return sourceGroup, group.Plugins.LimitCount
	}
	if route.Plugins.LimitCount != nil {
		return sourceRoute, route.Plugins.LimitCount
	}
	return sourceNone, nil
}

func render(route apisix.Route, consumer *apisix.Consumer, group *apisix.ConsumerGroup) string {
	countSrc, count := effectiveCount(route, consumer, group)
	reqSrc, req := effectiveReq(route, consumer, group)

	if count == nil && req == nil {
		return "No limits"
	}

	var parts []string
	if count != nil {
		parts = append(parts, fmt.Sprintf("Quota: %d req/%s", count.Count, window(count.TimeWindow)))
	}
	if req != nil {
		parts = append(parts, fmt.Sprintf("Rate: %d req/s", req.Rate))
		parts = append(parts, fmt.Sprintf("Burst: %d req", req.Burst))
	}

	var tag string
	switch {
	case count != nil && req != nil && countSrc == reqSrc:
		tag = countSrc.String() + " limit"
	case count != nil && req != nil:
		tag = fmt.Sprintf("%s quota, %s rate", countSrc, reqSrc)
	case count != nil:
		tag = countSrc.String() + " limit"
	default:
		tag = reqSrc.String() + " limit"
	}

	return strings.Join(parts, " | ") + " (" + tag + ")"
}

// window renders a quota window using the largest of d/h/m/s that divides
// the window exactly: 3600 -> "1h", 90 -> "90s".
func window(seconds int) string {
	units := []struct {
		secs  int
		label string
	}{
		{86400, "d"},
		{3600, "h"},
		{60, "m"},
	}
	for _, u := range units {
		if seconds >= u.secs && seconds%u.secs == 0 {
			return fmt.Sprintf("%d%s", seconds/u.secs, u.label)
		}
	}
	return fmt.Sprintf("%ds", seconds)
}

// Collect fans the projection across the gateway fleet for the caller and
// deduplicates routes by URL, keeping the first encountered in declared
// instance order. Routes are shared across instances by design, so failures
// are ignored as long as at least one instance answered; only when every
// instance fails is the first error surfaced.
func Collect(ctx context.Context, gateways []*apisix.Client, consumerID string) ([]RouteLimits, error) {
	outcomes := fanout.Run(ctx, gateways, func(ctx context.Context, c *apisix.Client) ([]RouteLimits, error) {
		routes, err := c.ListKeyAuthRoutes(ctx)
		if err != nil {
			return nil, err
		}
		consumer, err := c.GetConsumer(ctx, consumerID)
		if err != nil {
			return nil, err
		}
		var group *apisix.ConsumerGroup
		if consumer != nil && consumer.GroupID != "" {
			if group, err = c.GetConsumerGroup(ctx, consumer.GroupID); err != nil {
				return nil, err
			}
		}
		return Project(routes, c.GatewayURL(), consumer, group), nil
	})

	seen := make(map[string]bool)
	var merged []RouteLimits
	succeeded := false
	for _, o := range outcomes {
		if o.Err != nil {
			continue
		}
		succeeded = true
		for _, r := range o.Value {
			if !seen[r.URL] {
				seen[r.URL] = true
				merged = append(merged, r)
			}
		}
	}
	if !succeeded {
		if err := fanout.FirstError(outcomes); err != nil {
			return nil, err
		}
	}
	return merged, nil
}
