package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWWN(t *testing.T) {
	tests := []struct {
		in      string
		want    WWN
		wantErr bool
	}{
		{in: "20:00:00:25:b5:00:00:0a", want: 0x20000025b500000a},
		{in: "0x20000025B500000A", want: 0x20000025b500000a},
		{in: "500000e0d0000001", want: 0x500000e0d0000001},
		{in: "", wantErr: true},
		{in: "20:00:00:25:b5:00:00:0a:ff", wantErr: true},
		{in: "zz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWWN(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "20:00:00:25:b5:00:00:0a", WWN(0x20000025b500000a).String())
}

func TestParseDID(t *testing.T) {
	d, err := ParseDID("0x010203")
	require.NoError(t, err)
	assert.Equal(t, DID(0x010203), d)
	assert.Equal(t, uint8(1), d.Domain())
	assert.Equal(t, uint8(2), d.Area())
	assert.Equal(t, uint8(3), d.ALPA())

	_, err = ParseDID("1000000")
	assert.Error(t, err)
	assert.True(t, NameServerDID.IsWellKnown())
	assert.True(t, DID(0xef).IsLoopLocal())
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("initiator|target")
	require.NoError(t, err)
	assert.Equal(t, RoleInitiator|RoleTarget, r)

	r, err = ParseRole("none")
	require.NoError(t, err)
	assert.Zero(t, r)

	_, err = ParseRole("switch")
	assert.Error(t, err)
}

func TestJSONUsesReadableNames(t *testing.T) {
	in := RemotePort{VPI: 1, DID: 0x010200, WWPN: 0x500000e0d0000001, Roles: RoleTarget}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"did":"0x010200"`)
	assert.Contains(t, string(b), `"wwpn":"50:00:00:e0:d0:00:00:01"`)
	assert.Contains(t, string(b), `"roles":"target"`)

	var out RemotePort
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	b, err = json.Marshal(NodeInfo{State: StateMapped, Flags: FlagLoginValid | FlagTransportBound})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"MAPPED"`)
	assert.Contains(t, string(b), `"flags":"LOGIN_VALID|BOUND"`)
}

func TestCompletion_Retryable(t *testing.T) {
	assert.True(t, Completion{Status: StatusTimeout}.Retryable())
	assert.False(t, Completion{Status: StatusSuccess}.Retryable())
	assert.False(t, Completion{Status: StatusLocalReject, Reason: ReasonLinkDown}.Retryable())
}

func TestRSCNEntry_Matches(t *testing.T) {
	p := RSCNPayload{{Format: RSCNArea, DID: 0x010200}}
	assert.True(t, p.Contains(0x0102aa))
	assert.False(t, p.Contains(0x010300))
	assert.True(t, RSCNPayload{{Format: RSCNFabric}}.Contains(0x7f0000))
}
