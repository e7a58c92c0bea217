package economy

import (
	"errors"
	"fmt"
	"time"

	"github.com/lingokids/progression-hub/internal/domain/shared"
	"github.com/lingokids/progression-hub/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// POLICY
// ══════════════════════════════════════════════════════════════════════════════

// Значения по умолчанию.
const (
	DefaultMaxEnergy             = 120
	DefaultRegenMinutesPerPoint  = 5
	DefaultRegenThresholdMinutes = 5
	DefaultEnergyPerPurchase     = 60
	DefaultInitialEnergy         = 120
)

// DefaultPurchaseLadder - цены покупок за сутки: первая, вторая, третья и
// все последующие.
var DefaultPurchaseLadder = []int{30, 50, 100}

// Policy - параметры энергетической экономики.
type Policy struct {
	MaxEnergy int

	// RegenMinutesPerPoint - сколько минут восстанавливает одну единицу.
	RegenMinutesPerPoint int

	// RegenThresholdMinutes - минимум целых минут с LastEnergyRegenAt, ниже
	// которого регенерация не применяется и метка времени не сдвигается.
	RegenThresholdMinutes int

	EnergyPerPurchase int

	// PurchaseLadder - цена i-й покупки за сутки; последний элемент
	// повторяется.
	PurchaseLadder []int

	InitialEnergy int

	// Location - часовой пояс, в котором считаются календарные сутки.
	Location *time.Location
}

// DefaultPolicy возвращает политику с константами продукта в UTC.
func DefaultPolicy() Policy {
	ladder := make([]int, len(DefaultPurchaseLadder))
	copy(ladder, DefaultPurchaseLadder)
	return Policy{
		MaxEnergy:             DefaultMaxEnergy,
		RegenMinutesPerPoint:  DefaultRegenMinutesPerPoint,
		RegenThresholdMinutes: DefaultRegenThresholdMinutes,
		EnergyPerPurchase:     DefaultEnergyPerPurchase,
		PurchaseLadder:        ladder,
		InitialEnergy:         DefaultInitialEnergy,
		Location:              time.UTC,
	}
}

// Validate проверяет согласованность параметров.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxEnergy <= 0 {
		errs = append(errs, errors.New("max energy must be positive"))
	}
	if p.RegenMinutesPerPoint <= 0 {
		errs = append(errs, errors.New("regen minutes per point must be positive"))
	}
	if p.RegenThresholdMinutes < 0 {
		errs = append(errs, errors.New("regen threshold cannot be negative"))
	}
	if p.EnergyPerPurchase <= 0 {
		errs = append(errs, errors.New("energy per purchase must be positive"))
	}
	if len(p.PurchaseLadder) == 0 {
		errs = append(errs, errors.New("purchase ladder cannot be empty"))
	}
	for i, price := range p.PurchaseLadder {
		if price < 0 {
			errs = append(errs, fmt.Errorf("purchase ladder step %d is negative", i))
		}
	}
	if p.InitialEnergy < 0 || p.InitialEnergy > p.MaxEnergy {
		errs = append(errs, fmt.Errorf("initial energy must be within [0, %d]", p.MaxEnergy))
	}
	return errors.Join(errs...)
}

// clampUp добавляет amount к current, не поднимая результат выше max и не
// снижая значение, которое уже выше max.
func clampUp(current, amount, max int) int {
	if current >= max {
		return current
	}
	next := current + amount
	if next > max {
		return max
	}
	return next
}

// ─────────────────────────────────────────────────────────────────────────────
// Regeneration
// ─────────────────────────────────────────────────────────────────────────────

// ApplyPassiveRegen применяет регенерацию к s и возвращает фактически
// добавленную энергию.
func (p Policy) ApplyPassiveRegen(s *State, now time.Time) int {
	minutes := timeutil.WholeMinutesBetween(s.LastEnergyRegenAt, now)
	if minutes < p.RegenThresholdMinutes {
		return 0
	}

	points := minutes / p.RegenMinutesPerPoint
	before := s.Energy
	s.Energy = clampUp(s.Energy, points, p.MaxEnergy)
	s.LastEnergyRegenAt = now

	return s.Energy - before
}

// ProjectRegen возвращает копию s с применённой регенерацией, не трогая s.
func (p Policy) ProjectRegen(s *State, now time.Time) *State {
	projected := s.Clone()
	p.ApplyPassiveRegen(projected, now)
	return projected
}

// NextRegenAt - момент, когда регенерация добавит следующую единицу. Для s,
// к которому регенерация уже применена на момент now. ok=false, если энергия
// уже на максимуме.
func (p Policy) NextRegenAt(s *State) (at time.Time, ok bool) {
	if s.Energy >= p.MaxEnergy {
		return time.Time{}, false
	}
	wait := p.RegenMinutesPerPoint
	if p.RegenThresholdMinutes > wait {
		wait = p.RegenThresholdMinutes
	}
	return s.LastEnergyRegenAt.Add(time.Duration(wait) * time.Minute), true
}

// ─────────────────────────────────────────────────────────────────────────────
// Purchase
// ─────────────────────────────────────────────────────────────────────────────

// PurchasesToday - число покупок в календарные сутки now.
func (p Policy) PurchasesToday(s *State, now time.Time) int {
	if s.LastEnergyPurchaseAt == nil {
		return 0
	}
	if !timeutil.IsSameDay(*s.LastEnergyPurchaseAt, now, p.Location) {
		return 0
	}
	return s.CountBuyEnergy
}

// PurchaseCost - цена следующей покупки в момент now.
func (p Policy) PurchaseCost(s *State, now time.Time) int {
	idx := p.PurchasesToday(s, now)
	if idx >= len(p.PurchaseLadder) {
		idx = len(p.PurchaseLadder) - 1
	}
	return p.PurchaseLadder[idx]
}

// PurchaseReceipt - итог успешной покупки.
type PurchaseReceipt struct {
	Cost           int
	EnergyGained   int
	PurchasesToday int
}

// PurchaseEnergy обменивает монеты на энергию. При нехватке монет
// возвращает ErrInsufficientFunds, s не меняется.
func (p Policy) PurchaseEnergy(s *State, now time.Time) (PurchaseReceipt, error) {
	today := p.PurchasesToday(s, now)
	cost := p.PurchaseCost(s, now)

	if err := s.Debit(cost); err != nil {
		return PurchaseReceipt{}, err
	}

	before := s.Energy
	s.Energy = clampUp(s.Energy, p.EnergyPerPurchase, p.MaxEnergy)
	s.CountBuyEnergy = today + 1
	purchasedAt := now
	s.LastEnergyPurchaseAt = &purchasedAt

	return PurchaseReceipt{
		Cost:           cost,
		EnergyGained:   s.Energy - before,
		PurchasesToday: s.CountBuyEnergy,
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Adjustment
// ─────────────────────────────────────────────────────────────────────────────

// AdjustEnergy применяет административную поправку delta. Положительная
// поправка ограничивается MaxEnergy; если результат отрицательный,
// возвращается ErrInsufficientEnergy и s не меняется. Возвращает фактическое
// изменение.
func (p Policy) AdjustEnergy(s *State, delta int) (int, error) {
	if s.Energy+delta < 0 {
		return 0, shared.ErrInsufficientEnergy
	}

	before := s.Energy
	if delta > 0 {
		s.Energy = clampUp(s.Energy, delta, p.MaxEnergy)
	} else {
		s.Energy += delta
	}
	return s.Energy - before, nil
}
