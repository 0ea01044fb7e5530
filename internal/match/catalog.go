package match

import (
	"encoding/json"
	"strings"

	"github.com/funnyzak/recproxy/internal/registry"
)

// Catalog is the process-wide identifier to matcher factory registry.
var Catalog = registry.New[Matcher]("matcher")

// Build resolves identifier in the catalog.
func Build(identifier string, cfg []byte) (Matcher, error) {
	return Catalog.Build(identifier, cfg)
}

func init() {
	Catalog.Register(registry.Description{
		Name:        "RecordMatcher",
		Description: "Default matcher: method, URI with query order ignored, non-volatile headers and body.",
	}, noConfig(Default))

	Catalog.Register(registry.Description{
		Name:        "BodilessMatcher",
		Description: "Like the default matcher but never compares bodies.",
	}, noConfig(func() *RecordMatcher {
		return NewRecordMatcher("BodilessMatcher", Options{CompareHeaders: true, IgnoreQueryOrdering: true})
	}))

	Catalog.Register(registry.Description{
		Name:        "HeaderlessMatcher",
		Description: "Like the default matcher but never compares headers.",
	}, noConfig(func() *RecordMatcher {
		return NewRecordMatcher("HeaderlessMatcher", Options{CompareBodies: true, IgnoreQueryOrdering: true})
	}))

	Catalog.Register(registry.Description{
		Name:        "CustomDefaultMatcher",
		Description: "Default matcher with every comparison individually configurable.",
		Arguments: []registry.Argument{
			{Name: "compareBodies", Description: "Compare request bodies. Defaults to true."},
			{Name: "excludedHeaders", Description: "Comma separated headers left out of matching entirely."},
			{Name: "ignoredHeaders", Description: "Comma separated headers that must be present but whose values are not compared."},
			{Name: "ignoreQueryOrdering", Description: "Treat query parameters as unordered. Defaults to false."},
			{Name: "ignoredQueryParameters", Description: "Comma separated query parameters left out of URI comparison."},
			{Name: "singleUse", Description: "Consume each entry on its first match. Defaults to false."},
		},
	}, newCustomDefault)
}

func noConfig(build func() *RecordMatcher) registry.Factory[Matcher] {
	return func(cfg json.RawMessage) (Matcher, error) {
		var c struct{}
		if err := registry.Decode(cfg, &c); err != nil {
			return nil, err
		}
		return build(), nil
	}
}

func newCustomDefault(cfg json.RawMessage) (Matcher, error) {
	var c struct {
		CompareBodies          *bool  `json:"compareBodies"`
		ExcludedHeaders        string `json:"excludedHeaders"`
		IgnoredHeaders         string `json:"ignoredHeaders"`
		IgnoreQueryOrdering    bool   `json:"ignoreQueryOrdering"`
		IgnoredQueryParameters string `json:"ignoredQueryParameters"`
		SingleUse              bool   `json:"singleUse"`
	}
	if err := registry.Decode(cfg, &c); err != nil {
		return nil, err
	}
	opts := Options{
		CompareBodies:          true,
		CompareHeaders:         true,
		ExcludedHeaders:        splitList(c.ExcludedHeaders),
		IgnoredHeaders:         splitList(c.IgnoredHeaders),
		IgnoreQueryOrdering:    c.IgnoreQueryOrdering,
		IgnoredQueryParameters: splitList(c.IgnoredQueryParameters),
		SingleUse:              c.SingleUse,
	}
	if c.CompareBodies != nil {
		opts.CompareBodies = *c.CompareBodies
	}
	return NewRecordMatcher("CustomDefaultMatcher", opts), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
