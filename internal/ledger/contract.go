package ledger

import (
	"fmt"

	"github.com/qrbridge/qrbridge/internal/bank"
)

// paymentContractABI lists the functions of the cross-border payment contract
// this service calls.
const paymentContractABI = `[
  {"type":"function","name":"initiateThailandToMalaysiaPayment","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"sessionId","type":"string"},{"name":"merchantId","type":"string"},{"name":"encryptedData","type":"bytes"}]},
  {"type":"function","name":"initiateMalaysiaToThailandPayment","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"sessionId","type":"string"},{"name":"merchantId","type":"string"},{"name":"encryptedData","type":"bytes"}]},
  {"type":"function","name":"confirmThailandVerification","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"sessionId","type":"string"},{"name":"verified","type":"bool"},{"name":"bankId","type":"string"}]},
  {"type":"function","name":"confirmMalaysiaVerification","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"sessionId","type":"string"},{"name":"verified","type":"bool"},{"name":"bankId","type":"string"}]},
  {"type":"function","name":"processThailandPayment","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"sessionId","type":"string"},{"name":"thaiUserId","type":"string"},{"name":"amount","type":"uint256"}]},
  {"type":"function","name":"processMalaysiaPayment","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"sessionId","type":"string"},{"name":"malayUserId","type":"string"},{"name":"amount","type":"uint256"}]},
  {"type":"function","name":"confirmOriginBankPayment","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"sessionId","type":"string"},{"name":"success","type":"bool"}]},
  {"type":"function","name":"confirmDestinationBankPayment","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"sessionId","type":"string"},{"name":"merchantId","type":"string"},{"name":"success","type":"bool"}]}
]`

func initiateMethod(d bank.Direction) (string, error) {
	switch d {
	case bank.ThailandToMalaysia:
		return "initiateThailandToMalaysiaPayment", nil
	case bank.MalaysiaToThailand:
		return "initiateMalaysiaToThailandPayment", nil
	default:
		return "", fmt.Errorf("%w: %s", bank.ErrUnsupportedDirection, d)
	}
}

func verificationMethod(id bank.InstitutionID) (string, error) {
	switch id {
	case bank.ThaiBank:
		return "confirmThailandVerification", nil
	case bank.Maybank:
		return "confirmMalaysiaVerification", nil
	default:
		return "", fmt.Errorf("%w: %s", bank.ErrUnknownInstitution, id)
	}
}

func settlementMethod(d bank.Direction) (string, error) {
	switch d {
	case bank.ThailandToMalaysia:
		return "processThailandPayment", nil
	case bank.MalaysiaToThailand:
		return "processMalaysiaPayment", nil
	default:
		return "", fmt.Errorf("%w: %s", bank.ErrUnsupportedDirection, d)
	}
}
