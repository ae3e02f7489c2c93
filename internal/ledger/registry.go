package ledger

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

var factories = map[string]func() Operation{
	CreatePool{}.Name():            func() Operation { return &CreatePool{} },
	SetFeePercent{}.Name():         func() Operation { return &SetFeePercent{} },
	SetActiveFlag{}.Name():         func() Operation { return &SetActiveFlag{} },
	SetTokenDelegate{}.Name():      func() Operation { return &SetTokenDelegate{} },
	TransferPoolOwnership{}.Name(): func() Operation { return &TransferPoolOwnership{} },
	CreatePosition{}.Name():        func() Operation { return &CreatePosition{} },
	Deposit{}.Name():               func() Operation { return &Deposit{} },
	ConfirmDeposit{}.Name():        func() Operation { return &ConfirmDeposit{} },
	ApproveWithdraw{}.Name():       func() Operation { return &ApproveWithdraw{} },
	Withdraw{}.Name():              func() Operation { return &Withdraw{} },
	Claim{}.Name():                 func() Operation { return &Claim{} },
	PreauthorizeSpender{}.Name():   func() Operation { return &PreauthorizeSpender{} },
}

// Decode builds the named operation from its JSON arguments.
func Decode(name string, args json.RawMessage) (Operation, error) {
	mk, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("ledger: unknown operation %q: %w", name, domain.ErrBadCommand)
	}
	op := mk()
	if len(args) > 0 {
		if err := json.Unmarshal(args, op); err != nil {
			return nil, fmt.Errorf("ledger: decode %s args: %w: %v", name, domain.ErrBadCommand, err)
		}
	}
	return op, nil
}

// Names returns every operation name, sorted.
func Names() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
