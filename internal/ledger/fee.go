package ledger

import (
	"math/bits"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// DepositFee returns floor(amount*percent/100) and amount+fee. The product is
// computed in 128 bits so only results that do not fit uint64 overflow.
func DepositFee(amount, percent uint64) (fee, total uint64, err error) {
	hi, lo := bits.Mul64(amount, percent)
	if hi >= 100 {
		return 0, 0, domain.ErrAmountOverflow
	}
	fee, _ = bits.Div64(hi, lo, 100)
	total, carry := bits.Add64(amount, fee, 0)
	if carry != 0 {
		return 0, 0, domain.ErrAmountOverflow
	}
	return fee, total, nil
}
