// txrelay-diag probes the collaborators of a running relay deployment: the
// store, the posting service, and the relay's own health endpoint. Each
// probe prints a PASSED or FAILED line; the process exits non-zero when any
// probe fails.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/copperline/txrelay/posting"
	"github.com/copperline/txrelay/store"
	"github.com/copperline/txrelay/transaction"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "txrelay.ini"

var green = color.New(color.FgGreen).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()

type cmdCheck struct {
	StoreURL          string        `long:"store-url" env:"STORE_URL" default:"redis://localhost:6379" description:"Store URL (redis://)"`
	PostingServiceURL string        `long:"posting-service-url" env:"POSTING_SERVICE_URL" default:"http://localhost:8080" description:"Base URL of the posting service"`
	RelayURL          string        `long:"relay-url" env:"RELAY_URL" default:"http://localhost:8000" description:"Base URL of the relay"`
	Timeout           time.Duration `long:"timeout" default:"10s" description:"Budget of each probe"`
	Cleanup           bool          `long:"cleanup" description:"Also probe the posting service's cleanup reset (destructive)"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// probe runs |fn| under the probe budget, printing its outcome.
func (cmd cmdCheck) probe(name string, failed *int, fn func(context.Context) error) {
	fmt.Print(name, ": ")

	var ctx, cancel = context.WithTimeout(context.Background(), cmd.Timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		fmt.Printf("%s\n", red("FAILED"))
		fmt.Println(red("ERROR:"), err)
		*failed++
	} else {
		fmt.Print(green("PASSED"), "\n")
	}
}

func (cmd cmdCheck) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)

	var failed int

	// Probe transactions carry a throwaway id and a short store TTL.
	var probeID = "diag-" + uuid.NewString()
	var now = time.Now().UTC()

	var s *store.Store
	cmd.probe("store ping", &failed, func(ctx context.Context) (err error) {
		s, err = store.NewStore(ctx, cmd.StoreURL, time.Minute, time.Minute)
		return err
	})
	if s != nil {
		cmd.probe("store round-trip", &failed, func(ctx context.Context) error {
			var rec = transaction.NewStatusRecord(transaction.Transaction{
				ID:          probeID,
				Amount:      1,
				Currency:    "USD",
				Description: "diagnostic probe",
				Timestamp:   now,
			}, now)

			if err := s.SetStatus(ctx, rec); err != nil {
				return err
			}
			got, err := s.GetStatus(ctx, probeID)
			if err != nil {
				return err
			} else if got.TransactionID != probeID {
				return fmt.Errorf("read back wrong record %s", got.TransactionID)
			}
			return nil
		})
	}

	var client = posting.NewClient(cmd.PostingServiceURL)
	cmd.probe("posting service get", &failed, func(ctx context.Context) error {
		if exists, err := client.Get(ctx, probeID); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("probe id %s unexpectedly exists", probeID)
		}
		return nil
	})
	cmd.probe("posting service post", &failed, func(ctx context.Context) error {
		if err := client.Post(ctx, transaction.Transaction{
			ID:          probeID,
			Amount:      1,
			Currency:    "USD",
			Description: "diagnostic probe",
			Timestamp:   now,
		}); err != nil {
			return err
		}
		if exists, err := client.Get(ctx, probeID); err != nil {
			return err
		} else if !exists {
			return fmt.Errorf("posted record %s not found on read-back", probeID)
		}
		return nil
	})
	if cmd.Cleanup {
		cmd.probe("posting service cleanup", &failed, client.Cleanup)
	}

	cmd.probe("relay health", &failed, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, "GET", cmd.RelayURL+"/api/health", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health responded %d", resp.StatusCode)
		}
		return nil
	})

	if failed > 0 {
		return fmt.Errorf("%d probes failed", failed)
	}
	fmt.Println("\nAll probes passed")
	return nil
}

func main() {
	var parser = flags.NewParser(nil, flags.Default)

	_, _ = parser.AddCommand("check", "Probe relay collaborators", `
Probe connectivity and basic behavior of the store, the posting service, and
the relay's health endpoint.
`, &cmdCheck{})

	mbp.MustParseConfig(parser, iniFilename)
}
