package usbinfo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHubFromLocationInfo 点分位置串：跳过前三段与末段，取最后一个非零段
func TestHubFromLocationInfo(t *testing.T) {
	cases := []struct {
		location string
		want     byte
		wantErr  bool
	}{
		{"0000.0014.0000.004.003.000", 3, false},
		{"0000.0014.0000.004.000.000", 4, false},
		{"0000.0014.0000.000.000.000", 0, true}, // 全零
		{"0000.0014.0000", 0, true},             // 段数不足
		{"", 0, true},
		{"garbage", 0, true},
	}
	for _, tc := range cases {
		hub, err := HubFromLocationInfo(tc.location)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrNoHubValue, tc.location)
		} else {
			require.NoError(t, err, tc.location)
			assert.Equal(t, tc.want, hub, tc.location)
		}
	}
}

// TestHubFromLocationPath 位置路径取最后一个 USB(n) 段
func TestHubFromLocationPath(t *testing.T) {
	hub, err := HubFromLocationPath("PCIROOT(0)#PCI(1400)#USBROOT(0)#USB(4)#USB(3)")
	require.NoError(t, err)
	assert.Equal(t, byte(3), hub)

	_, err = HubFromLocationPath("PCIROOT(0)#PCI(1400)")
	assert.ErrorIs(t, err, ErrNoHubValue)

	_, err = HubFromLocationPath("USBROOT(0)#USB(0)")
	assert.ErrorIs(t, err, ErrNoHubValue)
}

// fakeSource 预置位置串
type fakeSource struct {
	info, path string
	infoErr    error
	pathErr    error
}

func (s fakeSource) LocationInfo(context.Context, string) (string, error) { return s.info, s.infoErr }
func (s fakeSource) LocationPath(context.Context, string) (string, error) { return s.path, s.pathErr }

// TestResolverFallback info 解析失败时回退到 path
func TestResolverFallback(t *testing.T) {
	r := NewResolver(fakeSource{
		info: "0000.0014.0000.000.000.000", // 全零，解析失败
		path: "USBROOT(0)#USB(4)#USB(2)",
	})
	hub, err := r.HubValue(context.Background(), "SN01")
	require.NoError(t, err)
	assert.Equal(t, byte(2), hub)
}

// TestResolverBothFail 两条途径都失败时报错
func TestResolverBothFail(t *testing.T) {
	r := NewResolver(fakeSource{
		infoErr: errors.New("not found"),
		pathErr: errors.New("not found"),
	})
	_, err := r.HubValue(context.Background(), "SN01")
	assert.Error(t, err)

	assert.False(t, r.IsValidDevice(context.Background(), "SN01"))
}

// TestIsValidDevice 任一位置串可得即视为在总线上
func TestIsValidDevice(t *testing.T) {
	r := NewResolver(fakeSource{info: "0000.0014.0000.004.003.000"})
	assert.True(t, r.IsValidDevice(context.Background(), "SN01"))
}
