package runtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/drblury/streamflow/internal/runtime/jsoncodec"
	transportpkg "github.com/drblury/streamflow/internal/runtime/transport"
)

// BrokerStatus is the document served by the introspection handler.
type BrokerStatus struct {
	System       string                    `json:"system"`
	Capabilities transportpkg.Capabilities `json:"capabilities"`
	Started      bool                      `json:"started"`
	Handlers     []HandlerInfo             `json:"handlers"`
	Publishers   []string                  `json:"publishers"`
	Resources    ResourceUsage             `json:"resources"`
	CollectedAt  time.Time                 `json:"collected_at"`
}

// Status collects handler statistics and process resources.
func (b *Broker) Status() BrokerStatus {
	pubs := b.Publishers()
	destinations := make([]string, 0, len(pubs))
	for _, pub := range pubs {
		destinations = append(destinations, pub.Destination())
	}
	return BrokerStatus{
		System:       b.System(),
		Capabilities: transportpkg.GetCapabilities(b.System()),
		Started:      b.isStarted(),
		Handlers:     b.Handlers(),
		Publishers:   destinations,
		Resources:    b.resources.sample(),
		CollectedAt:  time.Now().UTC(),
	}
}

// IntrospectionHandler serves Status as JSON. Cross origin requests are
// answered for the listed origins; "*" allows any.
func (b *Broker) IntrospectionHandler(allowedOrigins ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := allowedOrigin(allowedOrigins, r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet:
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := jsoncodec.Encode(w, b.Status()); err != nil {
			b.Logger.Error("Failed to encode broker status", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

func allowedOrigin(allowed []string, origin string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(a, origin) {
			return origin
		}
	}
	return ""
}
