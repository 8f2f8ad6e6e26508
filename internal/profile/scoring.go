package profile

// Kind is how a session ended for one participant.
type Kind string

const (
	KindWin    Kind = "win"
	KindDraw   Kind = "draw"
	KindResign Kind = "resign"
	KindLoss   Kind = "loss"
)

// Table maps a Kind to a points delta.
type Table struct {
	Win    int
	Draw   int
	Resign int
	Loss   int
}

// DefaultTable: win +10, draw +5, resignation -2, loss -10.
func DefaultTable() Table {
	return Table{Win: 10, Draw: 5, Resign: -2, Loss: -10}
}

func (t Table) Points(k Kind) int {
	switch k {
	case KindWin:
		return t.Win
	case KindDraw:
		return t.Draw
	case KindResign:
		return t.Resign
	case KindLoss:
		return t.Loss
	default:
		return 0
	}
}
