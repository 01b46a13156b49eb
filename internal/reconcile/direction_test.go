package reconcile

import (
	"testing"

	"github.com/estiohq/syncd/internal/db/models"
	"github.com/estiohq/syncd/internal/provider"
)

func TestInferDirection(t *testing.T) {
	contact := &models.Contact{Email: "lead@x.com", Phone: "15550100"}

	tests := []struct {
		name string
		act  provider.Activity
		want string
	}{
		{
			name: "sender matches contact email",
			act:  provider.Activity{Identity: provider.Identity{Email: "Lead@X.com"}, Direction: "outbound"},
			want: models.DirectionInbound,
		},
		{
			name: "sender matches contact phone",
			act:  provider.Activity{Identity: provider.Identity{Phone: "+1 555 0100"}},
			want: models.DirectionInbound,
		},
		{
			name: "email-from header matches contact",
			act:  provider.Activity{EmailFrom: "lead@x.com"},
			want: models.DirectionInbound,
		},
		{
			name: "provider-stated outbound",
			act:  provider.Activity{Direction: "outbound"},
			want: models.DirectionOutbound,
		},
		{
			name: "provider-stated inbound",
			act:  provider.Activity{Direction: "inbound", UserID: "agent-1"},
			want: models.DirectionInbound,
		},
		{
			name: "internal actor present",
			act:  provider.Activity{UserID: "agent-1"},
			want: models.DirectionOutbound,
		},
		{
			name: "automated workflow source",
			act:  provider.Activity{Source: "workflow"},
			want: models.DirectionOutbound,
		},
		{
			name: "automated campaign source",
			act:  provider.Activity{Source: "Campaign"},
			want: models.DirectionOutbound,
		},
		{
			name: "app source with quoted reply",
			act:  provider.Activity{Source: "app", Body: "On Friday, Agent wrote:\n> hello"},
			want: models.DirectionInbound,
		},
		{
			name: "app source with quote banner",
			act:  provider.Activity{Source: "app", Body: `<div class="gmail_quote">...</div>`},
			want: models.DirectionInbound,
		},
		{
			name: "app source plain compose",
			act:  provider.Activity{Source: "app", Body: "Following up on the listing"},
			want: models.DirectionOutbound,
		},
		{
			name: "nothing known defaults inbound",
			act:  provider.Activity{Body: "hello"},
			want: models.DirectionInbound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Run twice: inference must be deterministic.
			for i := 0; i < 2; i++ {
				if got := InferDirection(contact, &tt.act); got != tt.want {
					t.Fatalf("expected %s, got %s", tt.want, got)
				}
			}
		})
	}
}
