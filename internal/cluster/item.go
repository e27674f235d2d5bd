package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/banshee-data/mapcluster/internal/geo"
)

// ItemKind distinguishes the two displayable item shapes.
type ItemKind string

const (
	ItemPoint   ItemKind = "point"
	ItemCluster ItemKind = "cluster"
)

// Item is one displayable unit handed across the renderer boundary: either a
// raw point or a synthesized cluster representative carrying its members and
// computed centroid. The Key encodes display identity and is what the differ
// compares:
//
//   - a point item is identified by its identity key;
//   - a cluster item is identified by its sorted member keys plus its
//     centroid, so two representatives are equal only when member set and
//     derived position both match.
type Item struct {
	Key       string     `json:"key"`
	Kind      ItemKind   `json:"kind"`
	Point     *Point     `json:"point,omitempty"`
	Members   []Point    `json:"members,omitempty"`
	Center    geo.LatLng `json:"center"`
	Count     int        `json:"count"`
	Protected bool       `json:"protected,omitempty"`
}

// PointItem wraps a single point as a displayable item.
func PointItem(p Point, key func(Point) string) Item {
	if key == nil {
		key = PointID
	}
	cp := p
	return Item{
		Key:       "p:" + key(p),
		Kind:      ItemPoint,
		Point:     &cp,
		Center:    p.Pos,
		Count:     1,
		Protected: p.Protected,
	}
}

// ClusterItem synthesizes the representative item for a group.
func ClusterItem(g ClusterGroup, key func(Point) string) Item {
	if key == nil {
		key = PointID
	}
	keys := make([]string, len(g.Members))
	for i, m := range g.Members {
		keys[i] = key(m)
	}
	sort.Strings(keys)
	center := g.Centroid()

	members := make([]Point, len(g.Members))
	copy(members, g.Members)

	return Item{
		Key:     fmt.Sprintf("c:%s@%.7f,%.7f", strings.Join(keys, "|"), center.Lat, center.Lng),
		Kind:    ItemCluster,
		Members: members,
		Center:  center,
		Count:   len(g.Members),
	}
}

// Flatten converts a partition result into the pass's full display set:
// protected and singleton points as point items, one representative per
// cluster group. Order is protected, singletons, clusters, each in bucket
// order, so an unchanged partition flattens identically.
func Flatten(res PartitionResult, key func(Point) string) []Item {
	items := make([]Item, 0, len(res.Protected)+len(res.Singletons)+len(res.Clusters))
	for _, p := range res.Protected {
		items = append(items, PointItem(p, key))
	}
	for _, p := range res.Singletons {
		items = append(items, PointItem(p, key))
	}
	for _, g := range res.Clusters {
		items = append(items, ClusterItem(g, key))
	}
	return items
}
