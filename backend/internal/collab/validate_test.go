package collab

import (
	"errors"
	"testing"

	"tripCollabServer/backend/internal/itinerary"
)

func TestValidateChange_ViewerAlwaysDenied(t *testing.T) {
	ch := Change{Ops: itinerary.Ops{insertOp("e1")}}
	if err := ValidateChange(ch, RoleViewer); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("ValidateChange(viewer) = %v, want ErrPermissionDenied", err)
	}
	for _, role := range []Role{RoleOwner, RoleEditor} {
		if err := ValidateChange(ch, role); err != nil {
			t.Fatalf("ValidateChange(%s) = %v, want nil", role, err)
		}
	}
}

func TestValidateChange_Malformed(t *testing.T) {
	cases := []struct {
		name string
		ops  itinerary.Ops
	}{
		{"empty ops", nil},
		{"empty elementId", itinerary.Ops{{Kind: itinerary.OpDelete}}},
		{"unknown op kind", itinerary.Ops{{Kind: "merge", ElementID: "e1"}}},
		{"insert without payload", itinerary.Ops{{Kind: itinerary.OpInsert, ElementID: "e1"}}},
		{"update without payload", itinerary.Ops{{Kind: itinerary.OpUpdate, ElementID: "e1"}}},
		{"bad element kind", itinerary.Ops{{Kind: itinerary.OpInsert, ElementID: "e1", Element: &itinerary.Element{Kind: "flight"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateChange(Change{Ops: tc.ops}, RoleEditor)
			if !errors.Is(err, ErrMalformedChange) {
				t.Fatalf("ValidateChange() = %v, want ErrMalformedChange", err)
			}
		})
	}
}

func TestValidateChange_DeleteNeedsNoPayload(t *testing.T) {
	ch := Change{Ops: itinerary.Ops{{Kind: itinerary.OpDelete, ElementID: "e1"}}}
	if err := ValidateChange(ch, RoleEditor); err != nil {
		t.Fatalf("ValidateChange(delete) = %v, want nil", err)
	}
}
