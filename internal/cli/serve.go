package cli

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	transportcache "github.com/always-cache/transport-cache"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a caching forward proxy in front of an origin",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		if config.Origin == "" {
			return errors.New("please specify origin")
		}
		originURL, err := url.Parse(config.Origin)
		if err != nil {
			return err
		}

		tc, err := config.transportConfig()
		if err != nil {
			return err
		}
		tc.Logger = &log.Logger
		transport := transportcache.New(tc)
		defer tc.Cache.Close()

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.NotFound(proxyHandler(transport.Client(), originURL))

		log.Info().Str("listen", config.Listen).Str("origin", config.Origin).Msg("Starting caching proxy")
		return http.ListenAndServe(config.Listen, r)
	},
}

// proxyHandler forwards requests to the origin through the caching client.
func proxyHandler(client *http.Client, origin *url.URL) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := *origin
		target.Path = r.URL.Path
		target.RawQuery = r.URL.RawQuery
		req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		copyHeader(req.Header, r.Header)

		res, err := client.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer res.Body.Close()

		copyHeader(w.Header(), res.Header)
		w.WriteHeader(res.StatusCode)
		if _, err := io.Copy(w, res.Body); err != nil {
			log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// some servers do not like the presence of proxy headers in the
		// downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
