package coordinator

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/quorumledger/internal/cluster"
)

func TestServeClient(t *testing.T) {
	c, sc := newTestCoordinator(t)
	c.Register(registration(1, 1, 2, 3))
	sc.set(1, healthyNode(fixtureSums))

	tests := []struct {
		line string
		want string
	}{
		{"CONSULTAR_SALDO|100", "SALDO|1000.00"},
		{"CONSULTAR_SALDO|abc", "ERROR|FORMATO_INVALIDO"},
		{"CONSULTAR_SALDO", "ERROR|FORMATO_INVALIDO"},
		{"TRANSFERIR_FONDOS|100|103|25.50", "OK|TRANSFERENCIA_EXITOSA"},
		{"TRANSFERIR_FONDOS|100|101|25.50", "ERROR|TRANSFERENCIA_ENTRE_PARTICIONES_NO_SOPORTADA"},
		{"TRANSFERIR_FONDOS|100|103|-5", "ERROR|FORMATO_INVALIDO"},
		{"TRANSFERIR_FONDOS|100|103|0", "ERROR|FORMATO_INVALIDO"},
		{"TRANSFERIR_FONDOS|100|103|1.005", "ERROR|FORMATO_INVALIDO"},
		{"TRANSFERIR_FONDOS|100|103", "ERROR|FORMATO_INVALIDO"},
		{"ARQUEO", "ARQUEO|5500.50"},
		{"ARQUEO|1", "ERROR|FORMATO_INVALIDO"},
		{"BORRAR|100", "ERROR|OPERACION_NO_SOPORTADA"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, c.serveClient(context.Background(), tt.line))
		})
	}
}

func TestServeNode(t *testing.T) {
	c, _ := newTestCoordinator(t)

	assert.Equal(t, "REGISTRO_EXITOSO", c.serveNode(context.Background(), "REGISTRO|4|127.0.0.1|6004|CUENTA:2,CUENTA:3"))
	assert.Equal(t, []int{4}, c.registry.Replicas("CUENTA_3"))

	assert.Equal(t, "ERROR|FORMATO_INVALIDO", c.serveNode(context.Background(), "REGISTRO|x|127.0.0.1|6004|CUENTA:2"))
	assert.Equal(t, "ERROR|FORMATO_INVALIDO", c.serveNode(context.Background(), "REGISTRO|5|127.0.0.1|6005|CUENTA:dos"))

	c.registry.MarkInactive(4)
	assert.Equal(t, "", c.serveNode(context.Background(), "HEARTBEAT|4"))
	assert.True(t, active(c, 4))
	assert.Equal(t, "", c.serveNode(context.Background(), "HEARTBEAT|nope"))

	assert.Equal(t, "ERROR|OPERACION_NO_SOPORTADA", c.serveNode(context.Background(), "CONSULTAR_SALDO|100"))
}

func TestCoordinatorOverTCP(t *testing.T) {
	c := New(Options{LivenessTimeout: time.Minute, SweepInterval: time.Hour, Timeouts: testTimeouts()})
	sc := newScriptedCluster()
	c.call = sc.call
	require.NoError(t, c.Start("127.0.0.1:0", "127.0.0.1:0"))
	defer c.Close()

	// node link: register, then heartbeats on the same connection
	link, err := net.Dial("tcp", c.NodeAddr())
	require.NoError(t, err)
	defer link.Close()
	linkR := bufio.NewReader(link)

	_, err = link.Write([]byte("REGISTRO|1|127.0.0.1|6001|CUENTA:2\n"))
	require.NoError(t, err)
	resp, err := cluster.ReadLine(linkR)
	require.NoError(t, err)
	assert.Equal(t, "REGISTRO_EXITOSO", resp)

	_, err = link.Write([]byte("HEARTBEAT|1\nHEARTBEAT|1\n"))
	require.NoError(t, err)
	_ = link.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err = cluster.ReadLine(linkR)
	assert.Error(t, err, "heartbeats are not answered")

	sc.set(1, healthyNode(nil))

	// client connection carrying several requests
	client, err := net.Dial("tcp", c.ClientAddr())
	require.NoError(t, err)
	defer client.Close()
	clientR := bufio.NewReader(client)

	for _, tc := range []struct{ req, want string }{
		{"CONSULTAR_SALDO|100", "SALDO|1000.00"},
		{"CONSULTAR_SALDO|101", "ERROR|PARTICION_NO_ENCONTRADA"},
		{"garbage", "ERROR|OPERACION_NO_SOPORTADA"},
		{"TRANSFERIR_FONDOS|100|103|1.00", "OK|TRANSFERENCIA_EXITOSA"},
	} {
		_, err := client.Write([]byte(tc.req + "\n"))
		require.NoError(t, err)
		resp, err := cluster.ReadLine(clientR)
		require.NoError(t, err)
		assert.Equal(t, tc.want, resp, tc.req)
	}
}
