package participant

import "fmt"

// ValidateFriction checks the market-wide friction constant w. The
// reservation price divides by 1-w, so w must stay strictly inside (0,1).
func ValidateFriction(w float64) error {
	if w <= 0 || w >= 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidFriction, w)
	}
	return nil
}

// ClassifyRole returns buyer when usage exceeds the permit, seller when it
// falls short and sider when they are equal.
func ClassifyRole(usage, permit float64) Role {
	switch {
	case usage > permit:
		return Buyer
	case usage < permit:
		return Seller
	default:
		return Sider
	}
}

// ClassifyLabel returns Over when the network limit is below the permit.
func ClassifyLabel(limit, permit float64) Label {
	if limit < permit {
		return Over
	}
	return Normal
}

// Decision is the role and bid a participant computes for one round. It is
// computed from frozen state by Decide and committed by Apply.
type Decision struct {
	Role             Role
	ReservationPrice float64
	BidPrice         float64
	BidAmount        float64
}

// Decide derives this round's role and bid without mutating the
// participant. Siders produce no bid.
func (p *Participant) Decide(w float64) Decision {
	switch ClassifyRole(p.Usage, p.Permit) {
	case Buyer:
		return p.buyDecision(w)
	case Seller:
		return p.sellDecision(w)
	default:
		return Decision{Role: Sider, ReservationPrice: p.ReservationPrice}
	}
}

func (p *Participant) buyDecision(w float64) Decision {
	res := p.Reservation / (1 + w)
	return Decision{
		Role:             Buyer,
		ReservationPrice: res,
		BidPrice:         (1 - p.Mu) * res,
		BidAmount:        p.Usage - p.Permit,
	}
}

func (p *Participant) sellDecision(w float64) Decision {
	res := p.Reservation / (1 - w)
	return Decision{
		Role:             Seller,
		ReservationPrice: res,
		BidPrice:         (1 + p.Mu) * res,
		BidAmount:        p.Permit - p.Usage,
	}
}

// Apply commits a decision.
func (p *Participant) Apply(d Decision) {
	p.Role = d.Role
	p.ReservationPrice = d.ReservationPrice
	p.BidPrice = d.BidPrice
	p.BidAmount = d.BidAmount
}

// ChooseRole reclassifies the role from the current usage and permit.
func (p *Participant) ChooseRole() Role {
	p.Role = ClassifyRole(p.Usage, p.Permit)
	return p.Role
}

// Buy forces a buyer bid from the current usage. It is used when the market
// needs a buyer regardless of the participant's own classification.
func (p *Participant) Buy(w float64) {
	p.Apply(p.buyDecision(w))
}

// Sell forces a seller bid from the current usage.
func (p *Participant) Sell(w float64) {
	p.Apply(p.sellDecision(w))
}

// Update is the outcome of one learning step.
type Update struct {
	Usage  float64
	Mu     float64
	Record Record
}

// ApplyUpdate commits a learning step and appends its record to the
// history. History is append-only.
func (p *Participant) ApplyUpdate(u Update) {
	p.Usage = u.Usage
	p.Mu = u.Mu
	p.History = append(p.History, u.Record)
}
