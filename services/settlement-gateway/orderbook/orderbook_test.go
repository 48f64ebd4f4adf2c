package orderbook

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/services/settlement-gateway/models"
)

type testBook struct {
	*Service
	now time.Time
}

func newTestBook(t *testing.T, cfg Config) *testBook {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rates, err := NewStaticRates(map[string]string{"NPR": "133.50"})
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	tb := &testBook{Service: New(db, rates, cfg), now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	tb.SetNowFunc(func() time.Time { return tb.now })
	return tb
}

func dec(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	if err != nil {
		t.Fatalf("decimal %q: %v", v, err)
	}
	return d
}

func (tb *testBook) submit(t *testing.T, owner string, side models.Side, principal string, rate string) *Order {
	t.Helper()
	req := SubmitRequest{
		Owner:       owner,
		Side:        side,
		Principal:   dec(t, principal),
		Currency:    "npr",
		Provider:    "NTC",
		CountryCode: "np",
	}
	if rate != "" {
		r := dec(t, rate)
		req.ExchangeRate = &r
	}
	order, _, err := tb.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	tb.now = tb.now.Add(time.Second)
	return order
}

func TestSubmitDerivesSettlementAmount(t *testing.T) {
	tb := newTestBook(t, Config{})
	order := tb.submit(t, "seller", models.SideSell, "1000", "")
	if !order.SettlementAmount.Equal(dec(t, "7.490636")) {
		t.Fatalf("settlement amount = %s, want 7.490636", order.SettlementAmount)
	}
	if order.Currency != "NPR" || order.CountryCode != "NP" || order.Status != models.OrderCreated {
		t.Fatalf("unexpected order: %+v", order)
	}

	stored, err := tb.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.SettlementAmount.Equal(order.SettlementAmount) || !stored.ExchangeRate.Equal(dec(t, "133.5")) {
		t.Fatalf("stored order drifted: %+v", stored)
	}
}

func TestSubmitValidation(t *testing.T) {
	tb := newTestBook(t, Config{})
	base := SubmitRequest{Owner: "a", Side: models.SideBuy, Principal: decimal.NewFromInt(10), Currency: "NPR", Provider: "NTC", CountryCode: "NP"}
	zero := decimal.Zero

	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
		kind   coreerrors.Kind
	}{
		{"missing owner", func(r *SubmitRequest) { r.Owner = " " }, coreerrors.ErrValidation},
		{"bad side", func(r *SubmitRequest) { r.Side = "hold" }, coreerrors.ErrValidation},
		{"negative principal", func(r *SubmitRequest) { r.Principal = decimal.NewFromInt(-1) }, coreerrors.ErrValidation},
		{"missing provider", func(r *SubmitRequest) { r.Provider = "" }, coreerrors.ErrValidation},
		{"zero rate", func(r *SubmitRequest) { r.ExchangeRate = &zero }, coreerrors.ErrValidation},
		{"unknown currency", func(r *SubmitRequest) { r.Currency = "XYZ" }, coreerrors.ErrExternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			if _, _, err := tb.Submit(context.Background(), req); !errors.Is(err, tc.kind) {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
		})
	}
}

func TestFindMatchesFiltersAndRanks(t *testing.T) {
	tb := newTestBook(t, Config{})
	cheapLate := tb.submit(t, "s1", models.SideSell, "900", "130")
	pricey := tb.submit(t, "s2", models.SideSell, "1000", "140")
	cheapEarly := tb.submitAt(t, "s3", models.SideSell, "1100", "130", tb.now.Add(-time.Hour))
	tb.submit(t, "s4", models.SideSell, "400", "120")  // below half of 1000
	tb.submit(t, "s5", models.SideSell, "2500", "110") // more than double
	tb.submit(t, "buyer", models.SideSell, "1000", "100")
	tb.submit(t, "b2", models.SideBuy, "1000", "100")

	buy := tb.submit(t, "buyer", models.SideBuy, "1000", "133.50")
	candidates, err := tb.FindMatches(context.Background(), buy)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	want := []uuid.UUID{cheapEarly.ID, cheapLate.ID, pricey.ID}
	if len(candidates) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(candidates))
	}
	for i, id := range want {
		if candidates[i].ID != id {
			t.Fatalf("candidate %d = %s (%s), want %s", i, candidates[i].Owner, candidates[i].ExchangeRate, id)
		}
	}
}

func (tb *testBook) submitAt(t *testing.T, owner string, side models.Side, principal, rate string, at time.Time) *Order {
	t.Helper()
	saved := tb.now
	tb.now = at
	order := tb.submit(t, owner, side, principal, rate)
	tb.now = saved
	return order
}

func TestFindMatchesCapsAtFiveSellSideDescending(t *testing.T) {
	tb := newTestBook(t, Config{})
	for i := 0; i < 7; i++ {
		tb.submit(t, fmt.Sprintf("b%d", i), models.SideBuy, "1000", fmt.Sprintf("%d", 120+i))
	}
	sell := tb.submit(t, "seller", models.SideSell, "1000", "")
	candidates, err := tb.FindMatches(context.Background(), sell)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(candidates) != 5 {
		t.Fatalf("expected top 5, got %d", len(candidates))
	}
	if !candidates[0].ExchangeRate.Equal(decimal.NewFromInt(126)) || !candidates[4].ExchangeRate.Equal(decimal.NewFromInt(122)) {
		t.Fatalf("unexpected ranking: first %s last %s", candidates[0].ExchangeRate, candidates[4].ExchangeRate)
	}
}

func TestCompatibleBoundary(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"1000", "500", true},
		{"1000", "499.99", false},
		{"500", "1000", true},
		{"1", "1", true},
	}
	for _, tc := range cases {
		if got := Compatible(decimal.RequireFromString(tc.a), decimal.RequireFromString(tc.b)); got != tc.want {
			t.Fatalf("Compatible(%s,%s) = %v", tc.a, tc.b, got)
		}
	}
}

func TestMatchSplitPreservesTotals(t *testing.T) {
	tb := newTestBook(t, Config{})
	parent := tb.submit(t, "seller", models.SideSell, "1000", "")
	beforePrincipal, beforeSettlement := parent.Principal, parent.SettlementAmount

	fill := dec(t, "400")
	res, err := tb.Match(context.Background(), MatchRequest{OrderID: parent.ID, Counterparty: "buyer", FillAmount: &fill})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	child := res.Order
	if child.ParentID == nil || *child.ParentID != parent.ID || child.Status != models.OrderMatched || child.Counterparty != "buyer" {
		t.Fatalf("unexpected child: %+v", child)
	}

	stored, err := tb.Get(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if stored.Status != models.OrderCreated {
		t.Fatalf("parent should stay open, got %s", stored.Status)
	}
	if !stored.Principal.Add(child.Principal).Equal(beforePrincipal) {
		t.Fatalf("principal drift: %s + %s != %s", stored.Principal, child.Principal, beforePrincipal)
	}
	if !stored.SettlementAmount.Add(child.SettlementAmount).Equal(beforeSettlement) {
		t.Fatalf("settlement drift: %s + %s != %s", stored.SettlementAmount, child.SettlementAmount, beforeSettlement)
	}

	over := dec(t, "700")
	if _, err := tb.Match(context.Background(), MatchRequest{OrderID: parent.ID, Counterparty: "buyer", FillAmount: &over}); !errors.Is(err, ErrInvalidFill) {
		t.Fatalf("expected invalid fill, got %v", err)
	}
}

func TestMatchFullWithCounterOrder(t *testing.T) {
	tb := newTestBook(t, Config{})
	sell := tb.submit(t, "seller", models.SideSell, "1000", "")
	buy := tb.submit(t, "buyer", models.SideBuy, "1000", "")

	if _, err := tb.Match(context.Background(), MatchRequest{OrderID: sell.ID, Counterparty: "seller"}); !errors.Is(err, ErrSelfMatch) {
		t.Fatalf("expected self match rejection, got %v", err)
	}
	res, err := tb.Match(context.Background(), MatchRequest{OrderID: sell.ID, Counterparty: "buyer", CounterOrderID: &buy.ID})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Order.Status != models.OrderMatched || res.Counter.Status != models.OrderMatched || res.Counter.Counterparty != "seller" {
		t.Fatalf("unexpected result: %+v %+v", res.Order, res.Counter)
	}
	if _, err := tb.Match(context.Background(), MatchRequest{OrderID: sell.ID, Counterparty: "other"}); !errors.Is(err, ErrOrderNotOpen) {
		t.Fatalf("expected second match to fail, got %v", err)
	}
}

func TestCancelOnlyByCreatorWhileOpen(t *testing.T) {
	tb := newTestBook(t, Config{})
	order := tb.submit(t, "alice", models.SideBuy, "50", "")
	if _, err := tb.Cancel(context.Background(), order.ID, "mallory"); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	cancelled, err := tb.Cancel(context.Background(), order.ID, "alice")
	if err != nil || cancelled.Status != models.OrderCancelled {
		t.Fatalf("cancel: %+v %v", cancelled, err)
	}
	if _, err := tb.Cancel(context.Background(), order.ID, "alice"); !errors.Is(err, ErrOrderNotOpen) {
		t.Fatalf("expected not open, got %v", err)
	}
}

func TestSweepExpiredAndOpenLimit(t *testing.T) {
	tb := newTestBook(t, Config{OrderTTL: time.Hour, MaxOpenOrders: 2})
	first := tb.submit(t, "alice", models.SideBuy, "50", "")
	tb.submit(t, "alice", models.SideBuy, "60", "")
	if _, _, err := tb.Submit(context.Background(), SubmitRequest{Owner: "alice", Side: models.SideBuy, Principal: decimal.NewFromInt(70), Currency: "NPR", Provider: "NTC", CountryCode: "NP"}); !errors.Is(err, ErrTooManyOpenOrders) {
		t.Fatalf("expected open order limit, got %v", err)
	}

	n, err := tb.SweepExpired(context.Background(), tb.now.Add(2*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("sweep: %d %v", n, err)
	}
	stored, err := tb.Get(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.OrderCancelled || stored.CancelReason != models.CancelReasonExpired {
		t.Fatalf("unexpected swept order: %s %q", stored.Status, stored.CancelReason)
	}
}

func TestListFilters(t *testing.T) {
	tb := newTestBook(t, Config{})
	tb.submit(t, "a", models.SideBuy, "50", "")
	tb.submit(t, "b", models.SideSell, "500", "")
	tb.submit(t, "c", models.SideSell, "5000", "")

	lo, hi := dec(t, "100"), dec(t, "1000")
	rows, err := tb.List(context.Background(), Filter{Side: models.SideSell, Min: &lo, Max: &hi})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Owner != "b" {
		t.Fatalf("unexpected rows: %d", len(rows))
	}
}

func TestListDefaultsToOpenOrders(t *testing.T) {
	tb := newTestBook(t, Config{})
	open := tb.submit(t, "a", models.SideBuy, "50", "")
	gone := tb.submit(t, "b", models.SideBuy, "60", "")
	if _, err := tb.Cancel(context.Background(), gone.ID, "b"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	rows, err := tb.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != open.ID {
		t.Fatalf("expected only the open order, got %d rows", len(rows))
	}
	rows, err = tb.List(context.Background(), Filter{Status: StatusAny})
	if err != nil {
		t.Fatalf("list any: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected both orders, got %d", len(rows))
	}
	rows, err = tb.List(context.Background(), Filter{Status: models.OrderCancelled})
	if err != nil {
		t.Fatalf("list cancelled: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != gone.ID {
		t.Fatalf("expected the cancelled order, got %d rows", len(rows))
	}
}

func TestFindMatchesRanksBeyondScanWindow(t *testing.T) {
	tb := newTestBook(t, Config{ScanLimit: 3})
	for i := 0; i < 5; i++ {
		tb.submit(t, fmt.Sprintf("s%d", i), models.SideSell, "1000", "140")
	}
	tb.submit(t, "far", models.SideSell, "5000", "100")
	best := tb.submit(t, "late", models.SideSell, "1000", "120")

	buy := tb.submit(t, "buyer", models.SideBuy, "1000", "133.50")
	candidates, err := tb.FindMatches(context.Background(), buy)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected the scan window of 3, got %d", len(candidates))
	}
	if candidates[0].ID != best.ID {
		t.Fatalf("newest best-priced order must rank first, got %s at %s", candidates[0].Owner, candidates[0].ExchangeRate)
	}
	for _, c := range candidates {
		if c.Owner == "far" {
			t.Fatalf("incompatible principal must be excluded")
		}
	}
}
