// postingsim is a mock posting service implementing the downstream contract
// the relay delivers against: id-unique creation, existence reads, and a
// cleanup reset. Records live in SQLite, in-memory unless --sim.db names a
// file. Failure injection flags exercise the relay's retry and post-write
// probe paths.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jessevdk/go-flags"
	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "postingsim.ini"

// Config is the top-level configuration object of postingsim.
var Config = new(struct {
	Sim struct {
		Port     int           `long:"port" env:"PORT" default:"8080" description:"Port of the posting API"`
		DB       string        `long:"db" env:"DB" default:":memory:" description:"SQLite database path"`
		FailRate float64       `long:"fail-rate" env:"FAIL_RATE" default:"0" description:"Probability in [0,1] that a POST fails with 503"`
		Latency  time.Duration `long:"latency" env:"LATENCY" default:"0" description:"Added latency per request"`
	} `group:"Simulator" namespace:"sim" env-namespace:"SIM"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

// record is a transaction as held by the posting service.
type record struct {
	ID          string    `json:"id"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

type simulator struct {
	db *sql.DB
}

func newSimulator(path string) (*simulator, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	if _, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			id          TEXT PRIMARY KEY NOT NULL,
			amount      REAL NOT NULL,
			currency    TEXT NOT NULL,
			description TEXT NOT NULL,
			timestamp   TEXT NOT NULL
		);`,
	); err != nil {
		return nil, fmt.Errorf("creating transactions table: %w", err)
	}
	return &simulator{db: db}, nil
}

func (s *simulator) servePost(w http.ResponseWriter, r *http.Request) {
	var rec record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil || rec.ID == "" {
		respond(w, http.StatusBadRequest, map[string]string{"detail": "malformed transaction"})
		return
	}

	if rate := Config.Sim.FailRate; rate > 0 && rand.Float64() < rate {
		log.WithField("id", rec.ID).Info("injecting POST failure")
		respond(w, http.StatusServiceUnavailable, map[string]string{"detail": "injected failure"})
		return
	}

	var _, err = s.db.Exec(
		`INSERT INTO transactions (id, amount, currency, description, timestamp) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.Amount, rec.Currency, rec.Description, rec.Timestamp.Format(time.RFC3339Nano))

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		respond(w, http.StatusBadRequest, map[string]string{
			"detail": fmt.Sprintf("transaction %s already exists", rec.ID)})
		return
	} else if err != nil {
		log.WithFields(log.Fields{"id": rec.ID, "err": err}).Error("insert failed")
		respond(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
		return
	}

	log.WithField("id", rec.ID).Debug("created transaction")
	respond(w, http.StatusCreated, rec)
}

func (s *simulator) serveGet(w http.ResponseWriter, r *http.Request) {
	var rec record
	var stamp string

	var err = s.db.QueryRow(
		`SELECT id, amount, currency, description, timestamp FROM transactions WHERE id = ?;`,
		mux.Vars(r)["id"],
	).Scan(&rec.ID, &rec.Amount, &rec.Currency, &rec.Description, &stamp)

	if errors.Is(err, sql.ErrNoRows) {
		respond(w, http.StatusNotFound, map[string]string{"detail": "not found"})
		return
	} else if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
		return
	}
	rec.Timestamp, _ = time.Parse(time.RFC3339Nano, stamp)
	respond(w, http.StatusOK, rec)
}

func (s *simulator) serveList(w http.ResponseWriter, _ *http.Request) {
	rows, err := s.db.Query(`SELECT id, amount, currency, description, timestamp FROM transactions;`)
	if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
		return
	}
	defer rows.Close()

	var out = []record{}
	for rows.Next() {
		var rec record
		var stamp string
		if err = rows.Scan(&rec.ID, &rec.Amount, &rec.Currency, &rec.Description, &stamp); err != nil {
			respond(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
			return
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, stamp)
		out = append(out, rec)
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"count":        len(out),
		"transactions": out,
	})
}

func (s *simulator) serveCleanup(w http.ResponseWriter, _ *http.Request) {
	res, err := s.db.Exec(`DELETE FROM transactions;`)
	if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
		return
	}
	var n, _ = res.RowsAffected()
	log.WithField("deleted", n).Info("cleaned up")
	respond(w, http.StatusOK, map[string]int64{"deleted": n})
}

func respond(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// delay adds the configured per-request latency.
func delay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Config.Sim.Latency > 0 {
			time.Sleep(Config.Sim.Latency)
		}
		next.ServeHTTP(w, r)
	})
}

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":  Config,
		"version": mbp.Version,
	}).Info("postingsim configuration")

	sim, err := newSimulator(Config.Sim.DB)
	mbp.Must(err, "building simulator")

	var router = mux.NewRouter()
	router.Use(delay)
	router.HandleFunc("/transactions", sim.servePost).Methods("POST")
	router.HandleFunc("/transactions/{id}", sim.serveGet).Methods("GET")
	router.HandleFunc("/transactions", sim.serveList).Methods("GET")
	router.HandleFunc("/cleanup", sim.serveCleanup).Methods("POST")
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods("GET")

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", Config.Sim.Port))
	mbp.Must(err, "binding listener")
	log.WithField("addr", listener.Addr()).Info("serving posting API")

	var server = &http.Server{Handler: router}
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal")

		var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	if err = server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("goodbye")

	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as mock posting service", `
Serve a mock posting service against which a transaction relay may deliver,
until signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
