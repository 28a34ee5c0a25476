package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinova/clinic-scheduling/internal/db"
)

// simulate hammers POST /appointments with many workers aiming at a small set
// of slots, then verifies in the database that no doctor ended up with two
// overlapping active appointments.

type SimConfig struct {
	APIBaseURL  string
	Workers     int
	Attempts    int
	Doctors     int
	PostgresDSN string
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:  getenv("SIM_API_BASE_URL", "http://localhost:8080"),
		Workers:     getint("SIM_WORKERS", 20),
		Attempts:    getint("SIM_ATTEMPTS", 500),
		Doctors:     getint("SIM_DOCTORS", 5),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
	}
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

type ids struct {
	doctors  []uuid.UUID
	patients []uuid.UUID
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, doctorLimit int) (*ids, error) {
	out := &ids{}

	rows, err := pool.Query(ctx, `SELECT id FROM doctor_profiles WHERE active ORDER BY created_at LIMIT $1`, doctorLimit)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		out.doctors = append(out.doctors, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT id FROM users WHERE role = 'patient' AND active LIMIT 500`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		out.patients = append(out.patients, id)
	}
	rows.Close()

	if len(out.doctors) == 0 || len(out.patients) == 0 {
		return nil, fmt.Errorf("no doctors or patients in database, run seed first")
	}
	return out, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, db.Options{DSN: cfg.PostgresDSN})
	cancel()
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	data, err := loadIDs(context.Background(), pool, cfg.Doctors)
	if err != nil {
		log.Fatalf("load ids: %v", err)
	}
	log.Printf("loaded %d doctors, %d patients", len(data.doctors), len(data.patients))

	// Next Monday 09:00 UTC; each doctor gets 16 half-hour targets so many
	// workers collide on the same slot.
	base := nextMonday(time.Now().UTC())

	var created, conflicts, rejected, failed int64
	client := &http.Client{Timeout: 10 * time.Second}

	var wg sync.WaitGroup
	attempts := make(chan int)
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(rand.Int())))
			for range attempts {
				doctor := data.doctors[rng.Intn(len(data.doctors))]
				patient := data.patients[rng.Intn(len(data.patients))]
				start := base.Add(time.Duration(rng.Intn(16)) * 30 * time.Minute)

				status, err := book(client, cfg.APIBaseURL, patient, doctor, start)
				switch {
				case err != nil:
					atomic.AddInt64(&failed, 1)
				case status == http.StatusCreated:
					atomic.AddInt64(&created, 1)
				case status == http.StatusConflict:
					atomic.AddInt64(&conflicts, 1)
				default:
					atomic.AddInt64(&rejected, 1)
				}
			}
		}()
	}

	startAt := time.Now()
	for i := 0; i < cfg.Attempts; i++ {
		attempts <- i
	}
	close(attempts)
	wg.Wait()

	log.Printf("done in %s: created=%d conflicts=%d rejected=%d failed=%d",
		time.Since(startAt), created, conflicts, rejected, failed)

	if err := verifyNoOverlaps(context.Background(), pool); err != nil {
		log.Fatalf("verification FAILED: %v", err)
	}
	log.Println("verification passed: no overlapping active appointments")
}

func book(client *http.Client, baseURL string, patient, doctor uuid.UUID, start time.Time) (int, error) {
	body, _ := json.Marshal(map[string]any{
		"patient_id":        patient.String(),
		"doctor_profile_id": doctor.String(),
		"start_time":        start.Format(time.RFC3339),
		"duration_minutes":  30,
		"type":              "consultation",
		"priority":          "normal",
	})

	req, err := http.NewRequest(http.MethodPost, baseURL+"/appointments", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", patient.String())
	req.Header.Set("X-Actor-Roles", "patient")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// verifyNoOverlaps cross-joins active appointments per doctor looking for any
// overlapping pair.
func verifyNoOverlaps(ctx context.Context, pool *pgxpool.Pool) error {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments a
		JOIN appointments b
		  ON a.doctor_profile_id = b.doctor_profile_id
		 AND a.id < b.id
		 AND a.status IN ('scheduled', 'confirmed', 'in_progress')
		 AND b.status IN ('scheduled', 'confirmed', 'in_progress')
		 AND a.start_time < b.start_time + make_interval(mins => b.duration_minutes)
		 AND a.start_time + make_interval(mins => a.duration_minutes) > b.start_time
	`).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%d overlapping active appointment pairs", count)
	}
	return nil
}

func nextMonday(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 9, 0, 0, 0, time.UTC)
	for day.Weekday() != time.Monday || !day.After(now.Add(3*time.Hour)) {
		day = day.AddDate(0, 0, 1)
	}
	return day
}
