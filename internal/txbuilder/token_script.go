package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

const tokenContentType = "application/bsv-20"

// appendTokenEnvelope attaches an ordinal-style transfer inscription to a
// locking script. The envelope rides after the spend conditions, so the
// output stays spendable under the base script while the overlay indexer
// reads the token movement from the inscription body.
func appendTokenEnvelope(lockingScript []byte, tokenID string, amount int64) ([]byte, error) {
	body := fmt.Sprintf(`{"p":"bsv-20","op":"transfer","id":"%s","amt":"%d"}`, tokenID, amount)

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_FALSE)
	builder.AddOp(txscript.OP_IF)
	builder.AddData([]byte("ord"))
	builder.AddOp(txscript.OP_1)
	builder.AddData([]byte(tokenContentType))
	builder.AddOp(txscript.OP_0)
	builder.AddData([]byte(body))
	builder.AddOp(txscript.OP_ENDIF)
	envelope, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("fail to build token envelope, err: %w", err)
	}

	script := make([]byte, 0, len(lockingScript)+len(envelope))
	script = append(script, lockingScript...)
	script = append(script, envelope...)
	return script, nil
}
