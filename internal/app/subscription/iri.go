package subscription

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/coachpo/herald/internal/domain/schema"
)

// Fields that describe the subscription request rather than the resource.
const (
	FieldClientSubscriptionID = "clientSubscriptionId"
	FieldMercureURL           = "mercureUrl"
)

// IRIGenerator derives subscription topics and subscriber URLs.
type IRIGenerator struct {
	baseURL string
	hubURL  string
}

// NewIRIGenerator roots topics at baseURL; hubURL is the public hub endpoint.
func NewIRIGenerator(baseURL, hubURL string) IRIGenerator {
	return IRIGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		hubURL:  hubURL,
	}
}

// TopicIRI returns the topic updates of subscription id are published on.
func (g IRIGenerator) TopicIRI(id string) string {
	return g.baseURL + "/subscriptions/" + id
}

// MercureURL returns the URL a client subscribes to for id on the default hub.
func (g IRIGenerator) MercureURL(id string) string {
	return g.MercureURLFor(id, g.hubURL)
}

// MercureURLFor returns the subscriber URL of id on hubURL.
func (g IRIGenerator) MercureURLFor(id, hubURL string) string {
	sep := "?"
	if strings.Contains(hubURL, "?") {
		sep = "&"
	}
	return hubURL + sep + "topic=" + url.QueryEscape(g.TopicIRI(id))
}

// GenerateID hashes a normalized selection. Equal selections yield equal ids.
func GenerateID(fields schema.Selection) string {
	sum := sha256.Sum256([]byte(fields.Key()))
	return hex.EncodeToString(sum[:])
}

// requestedFields normalizes fields and drops the request-only entries.
func requestedFields(fields map[string]any) schema.Selection {
	sel := schema.NormalizeSelection(fields)
	out := make(schema.Selection, 0, len(sel))
	for _, field := range sel {
		if field.Name == FieldClientSubscriptionID || field.Name == FieldMercureURL {
			continue
		}
		out = append(out, field)
	}
	return out
}
