package recipe

import (
	"bytes"
	"fmt"

	"github.com/melih/lighthouse/internal/core/domain"
)

// Render writes rec in Dockerfile syntax. The output parses back to an
// equivalent recipe.
func Render(rec domain.Recipe) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# generated by lighthouse\n")
	buf.WriteString(rec.String())
	return buf.Bytes(), nil
}
