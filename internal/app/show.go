package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"enerx-readmodel/internal/analytics"
	"enerx-readmodel/internal/failure"
	"enerx-readmodel/internal/model"
	"enerx-readmodel/internal/repository"
	"enerx-readmodel/internal/storage"
)

// Listing sources for ListingsOptions.Source.
const (
	SourceChain = "chain"
	SourceCache = "cache"
	SourceDB    = "db"
)

// ListingsOptions configure the listings command.
type ListingsOptions struct {
	Source      string
	Seller      string
	MinPrice    string
	MaxPrice    string
	MinPurchase string
	JSON        bool
}

// ProfileOptions configure the profile command.
type ProfileOptions struct {
	Address string
	Source  string
	JSON    bool
}

// MutationsOptions configure the mutations command.
type MutationsOptions struct {
	Limit int
}

// Listings prints the marketplace view from the chain, the shared cache or the database.
func (a *App) Listings(ctx context.Context, opts ListingsOptions) error {
	filter, err := analytics.ParseListingFilter(opts.MinPrice, opts.MaxPrice, opts.MinPurchase)
	if err != nil {
		return failure.Invalid("listings", "%v", err)
	}

	source := opts.Source
	if source == "" {
		source = SourceChain
	}
	rt, closeAll, err := a.build(ctx, buildOptions{store: source == SourceDB, cache: source == SourceCache})
	defer closeAll()
	if err != nil {
		return err
	}

	var listings []model.Listing
	switch {
	case opts.Seller != "":
		seller, err := parseAddress(opts.Seller)
		if err != nil {
			return err
		}
		scan, err := rt.readModel.SellerListings(ctx, seller)
		if err != nil {
			return err
		}
		a.warnPartial(scan)
		listings = scan.Listings
	case source == SourceChain:
		scan, err := rt.readModel.Listings(ctx, true)
		if err != nil {
			return err
		}
		a.warnPartial(scan)
		listings = scan.Listings
	case source == SourceCache:
		scan, ok, err := rt.readModel.CachedListings(ctx)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(a.Out, "no snapshot published to cache")
			return nil
		}
		listings = scan.Listings
	case source == SourceDB:
		if listings, err = rt.readModel.StoredListings(ctx); err != nil {
			return err
		}
	default:
		return failure.Invalid("listings", "unknown source %q (want chain, cache or db)", opts.Source)
	}

	listings = filter.Apply(listings)
	if opts.JSON {
		return writeJSON(a.Out, listings)
	}
	return printListings(a.Out, listings, time.Now())
}

// Profile prints the profile of an address, or of the current account.
func (a *App) Profile(ctx context.Context, opts ProfileOptions) error {
	var addr common.Address
	if opts.Address != "" {
		var err error
		if addr, err = parseAddress(opts.Address); err != nil {
			return err
		}
	}

	source := opts.Source
	if source == "" {
		source = SourceChain
	}
	if source != SourceChain && source != SourceCache && source != SourceDB {
		return failure.Invalid("profile", "unknown source %q (want chain, cache or db)", opts.Source)
	}
	rt, closeAll, err := a.build(ctx, buildOptions{store: source == SourceDB, cache: source == SourceCache})
	defer closeAll()
	if err != nil {
		return err
	}

	var profile model.UserProfile
	if source == SourceChain {
		if profile, err = rt.readModel.Profile(ctx, addr); err != nil {
			return err
		}
	} else {
		found, ok, err := rt.readModel.SnapshotProfile(ctx, addr, source == SourceCache)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(a.Out, "profile not found in %s snapshot\n", source)
			return nil
		}
		profile = found
	}
	if opts.JSON {
		return writeJSON(a.Out, profile)
	}
	return printProfile(a.Out, profile)
}

// Platform prints the admin-facing contract state.
func (a *App) Platform(ctx context.Context) error {
	rt, closeAll, err := a.build(ctx, buildOptions{})
	defer closeAll()
	if err != nil {
		return err
	}

	state, err := rt.readModel.Platform(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Platform fee\t%s\n", state.PlatformFee.String())
	fmt.Fprintf(writer, "Fee collector\t%s\n", state.FeeCollector.Hex())
	fmt.Fprintf(writer, "Paused\t%t\n", state.Paused)
	fmt.Fprintf(writer, "Total supply\t%s\n", formatDecimal(state.TotalSupply, 4))
	fmt.Fprintf(writer, "Next listing id\t%d\n", state.NextListingID)
	return writer.Flush()
}

// Mutations prints the recent write audit trail.
func (a *App) Mutations(ctx context.Context, opts MutationsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show mutations")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentMutations(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no mutations found")
		return nil
	}
	return printMutations(a.Out, records)
}

func (a *App) warnPartial(scan repository.ListingScan) {
	if err := scan.Err(); err != nil {
		a.Logger.Warn().Err(err).Msg(failure.UserMessage(err))
	}
}

func printListings(w io.Writer, listings []model.Listing, now time.Time) error {
	if len(listings) == 0 {
		fmt.Fprintln(w, "no listings found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSeller\tAmount\tPrice\tMin\tSource\tCreated (UTC)\tExpires (UTC)\tStatus")
	for _, l := range listings {
		status := "active"
		switch {
		case !l.Active:
			status = "inactive"
		case l.Expired(now):
			status = "expired"
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.ID,
			l.Seller.Hex(),
			formatDecimal(l.Amount, 3),
			formatDecimal(l.PricePerUnit, 4),
			formatDecimal(l.MinimumPurchase, 3),
			sanitizeInline(l.EnergySource),
			formatTime(l.CreationTime),
			formatTime(l.ExpirationTime),
			status,
		)
	}
	return writer.Flush()
}

func printProfile(w io.Writer, p model.UserProfile) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Address\t%s\n", p.Address.Hex())
	fmt.Fprintf(writer, "Verified\t%t\n", p.IsVerified)
	fmt.Fprintf(writer, "Energy traded\t%s\n", formatDecimal(p.TotalEnergyTraded, 3))
	fmt.Fprintf(writer, "Reputation\t%s\n", p.ReputationScore.String())
	fmt.Fprintf(writer, "Last activity\t%s\n", formatTime(p.LastActivityTime))
	if p.CertificationIPFSHash != "" || p.CertificationType != "" {
		fmt.Fprintf(writer, "Certification\t%s (%s)\n", sanitizeInline(p.CertificationType), sanitizeInline(p.CertificationIPFSHash))
		fmt.Fprintf(writer, "Certified at\t%s\n", formatTime(p.CertificationTimestamp))
		fmt.Fprintf(writer, "Certification valid\t%t\n", p.CertificationValid)
	}
	return writer.Flush()
}

func printMutations(w io.Writer, records []storage.MutationRecord) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Submitted (UTC)\tMethod\tState\tTx\tBlock\tRefreshed\tError")
	for _, rec := range records {
		tx, block, errMsg := "", "", ""
		if rec.TxHash != nil {
			tx = *rec.TxHash
		}
		if rec.BlockNumber != nil {
			block = fmt.Sprintf("%d", *rec.BlockNumber)
		}
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(rec.SubmittedAt),
			rec.Method,
			rec.State,
			tx,
			block,
			strings.Join(rec.Refreshed, ","),
			errMsg,
		)
	}
	return writer.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, failure.Invalid("address", "invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
