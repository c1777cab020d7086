// Command manage-plans seeds and lists the billing variant catalogue that maps a
// provider variant to the words a purchase grants.
//
//	go run ./cmd/manage-plans                    # seed the built-in catalogue
//	go run ./cmd/manage-plans -file plans.yaml   # seed from a file
//	go run ./cmd/manage-plans -list
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/logger"
	"github.com/PortNumber53/linkedin-studio/internal/models"
	"github.com/PortNumber53/linkedin-studio/internal/store"
)

func main() {
	if err := run(os.Args[1:], defaultDeps()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type deps struct {
	loadEnv func(...string) error
	getenv  func(string) string
	openDB  func(driverName, dataSourceName string) (*sql.DB, error)
	out     io.Writer
	log     *zap.Logger
}

func defaultDeps() deps {
	log, err := logger.New("info", false)
	if err != nil {
		log = zap.NewNop()
	}
	return deps{
		loadEnv: godotenv.Load,
		getenv:  os.Getenv,
		openDB:  sql.Open,
		out:     os.Stdout,
		log:     log,
	}
}

// planSpec is one catalogue entry as written in a plans file.
type planSpec struct {
	VariantID  string `mapstructure:"variant_id" validate:"required"`
	Name       string `mapstructure:"name" validate:"required"`
	Interval   string `mapstructure:"interval" validate:"omitempty,oneof=month quarterly year once"`
	WordLimit  int    `mapstructure:"word_limit" validate:"gte=0"`
	PriceCents int    `mapstructure:"price_cents" validate:"gte=0"`
	Currency   string `mapstructure:"currency" validate:"omitempty,len=3"`
	Inactive   bool   `mapstructure:"inactive"`
}

func (p planSpec) plan() models.BillingPlan {
	interval := p.Interval
	if interval == "" {
		interval = "month"
	}
	currency := strings.ToUpper(p.Currency)
	if currency == "" {
		currency = "USD"
	}
	return models.BillingPlan{
		VariantID:  p.VariantID,
		Name:       p.Name,
		Interval:   interval,
		WordLimit:  p.WordLimit,
		PriceCents: p.PriceCents,
		Currency:   currency,
		IsActive:   !p.Inactive,
	}
}

// Used when no -file is given. Variant ids must match the store's product variants.
var defaultPlans = []planSpec{
	{VariantID: "starter-monthly", Name: "Starter", Interval: "month", WordLimit: 10000, PriceCents: 900},
	{VariantID: "pro-monthly", Name: "Pro", Interval: "month", WordLimit: 30000, PriceCents: 1900},
	{VariantID: "pro-quarterly", Name: "Pro Quarterly", Interval: "quarterly", WordLimit: 90000, PriceCents: 4900},
	{VariantID: "pro-yearly", Name: "Pro Yearly", Interval: "year", WordLimit: 360000, PriceCents: 17900},
}

type options struct {
	file string
	list bool
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("manage-plans", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.file, "file", "", "plans file (yaml, json or toml) with a top-level plans list")
	fs.BoolVar(&o.list, "list", false, "list plans without seeding")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

func loadPlans(path string) ([]planSpec, error) {
	if path == "" {
		return defaultPlans, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	var specs []planSpec
	if err := v.UnmarshalKey("plans", &specs); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}
	if len(specs) == 0 {
		return nil, errors.New("plans file has no plans")
	}
	return specs, nil
}

func validatePlans(specs []planSpec) error {
	validate := validator.New()
	seen := make(map[string]bool, len(specs))
	for i, p := range specs {
		if err := validate.Struct(p); err != nil {
			return fmt.Errorf("plan %d (%q): %w", i, p.VariantID, err)
		}
		if seen[p.VariantID] {
			return fmt.Errorf("duplicate variant %q", p.VariantID)
		}
		seen[p.VariantID] = true
	}
	return nil
}

func run(args []string, d deps) error {
	o, err := parseArgs(args)
	if err != nil {
		return err
	}
	if d.loadEnv != nil {
		_ = d.loadEnv()
	}
	if d.getenv == nil {
		d.getenv = os.Getenv
	}
	if d.out == nil {
		d.out = io.Discard
	}
	log := logger.OrNop(d.log).Named("manage-plans")

	dbURL := strings.TrimSpace(d.getenv("DATABASE_URL"))
	if dbURL == "" {
		return errors.New("DATABASE_URL not set")
	}

	var specs []planSpec
	if !o.list {
		if specs, err = loadPlans(o.file); err != nil {
			return err
		}
		if err := validatePlans(specs); err != nil {
			return err
		}
	}

	if d.openDB == nil {
		return errors.New("openDB dependency is required")
	}
	db, err := d.openDB("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	st := store.New(db)

	for _, p := range specs {
		plan := p.plan()
		if err := st.UpsertPlan(ctx, plan); err != nil {
			return err
		}
		log.Info("plan saved", zap.String("variant", plan.VariantID), zap.Int("words", plan.WordLimit))
	}

	plans, err := st.ListPlans(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.out, "%d plans:\n", len(plans))
	for _, p := range plans {
		state := "active"
		if !p.IsActive {
			state = "inactive"
		}
		fmt.Fprintf(d.out, "- %s: %s, %d words/%s, %d.%02d %s (%s)\n",
			p.VariantID, p.Name, p.WordLimit, p.Interval, p.PriceCents/100, p.PriceCents%100, p.Currency, state)
	}
	return nil
}
