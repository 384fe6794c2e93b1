package mpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Dispatch makes this process rank 0. It launches the program on every
// worker host over ssh with this process's arguments plus the dispatcher
// address, then waits for each worker to connect back and sends it its
// rank, working directory and the world description.
func Dispatch(hostFilePath, configFilePath string) (*Comm, error) {
	configuration, err := ParseConfig(configFilePath)
	if err != nil {
		return nil, err
	}
	zap.L().Info("Configuration loaded successfully",
		zap.String("KeyFile", configuration.KeyFile),
		zap.String("User", configuration.User))

	world := new(World)
	hg, err := SetIPPool(hostFilePath, world)
	if err != nil {
		return nil, err
	}
	if world.size == 0 {
		return nil, ErrEmptyWorld
	}

	timeout, _ := configuration.Timeout()
	t := newTCPTransport(0, timeout)
	fail := func(err error) (*Comm, error) {
		t.Close()
		return nil, err
	}

	// Listen for every worker first so the world we send out carries all ports.
	listeners := make([]net.Listener, world.size)
	for i := uint64(1); i < world.size; i++ {
		listener, err := net.Listen("tcp", ":0")
		if err != nil {
			return fail(fmt.Errorf("listen for worker %d: %w", i, err))
		}
		listeners[i] = listener
		t.closers = append(t.closers, listener)
		world.Port[i] = uint64(listener.Addr().(*net.TCPAddr).Port)
		zap.L().Info("Listening for worker", zap.Uint64("rank", i), zap.Uint64("port", world.Port[i]))
	}

	var signer ssh.Signer
	if world.size > 1 {
		key, err := os.ReadFile(configuration.KeyFile)
		if err != nil {
			return fail(fmt.Errorf("unable to read private key: %w", err))
		}
		if signer, err = ssh.ParsePrivateKey(key); err != nil {
			return fail(fmt.Errorf("unable to parse private key: %w", err))
		}
	}

	for i := uint64(1); i < world.size; i++ {
		h := hg.Hosts[i]
		zap.L().Info("Connecting to worker", zap.String("workerSshAddress", h.SSHAddress()))

		client, err := ssh.Dial("tcp", h.SSHAddress(), &ssh.ClientConfig{
			User: configuration.User,
			Auth: []ssh.AuthMethod{
				ssh.PublicKeys(signer),
			},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		})
		if err != nil {
			return fail(fmt.Errorf("failed to dial %s: %w", h.SSHAddress(), err))
		}
		t.closers = append(t.closers, client)

		command := workerCommand(h.PathToExecutable(), os.Args[1:], world.IPPool[0], world.Port[i])
		zap.L().Info("Preparing command", zap.String("Command", command))
		if err := launch(client, command, i, configuration.Verbose); err != nil {
			return fail(err)
		}

		conn, err := acceptWorker(listeners[i], i, h.Directory, world)
		if err != nil {
			return fail(err)
		}
		t.conns[i] = conn
		zap.L().Info("Connected to worker", zap.Uint64("rank", i))
	}

	return newComm(0, world, t), nil
}

// SetIPPool unpacks the host file `filePath` into the world and sets the
// rank and size as appropriate.
func SetIPPool(filePath string, world *World) (*hostGroup, error) {
	hg, err := NewHostGroup(filePath)
	if err != nil {
		return nil, err
	}
	return hg, hg.ArrangeHosts(world)
}

func workerCommand(exe string, args []string, dispatcherIP string, port uint64) string {
	parts := []string{exe}
	for _, arg := range args {
		parts = append(parts, strconv.Quote(arg))
	}
	parts = append(parts, dispatcherIP, strconv.FormatUint(port, 10), WorkerMarker)
	return strings.Join(parts, " ")
}

// launch starts command in a new session and returns once it is running.
// The remote stderr is always logged; stdout only when verbose.
func launch(client *ssh.Client, command string, rank uint64, verbose bool) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	session.Stderr = &outputLogger{rank: rank, stream: "stderr"}
	if verbose {
		session.Stdout = &outputLogger{rank: rank, stream: "stdout"}
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return fmt.Errorf("failed to start worker %d: %w", rank, err)
	}

	go func() {
		defer session.Close()
		if err := session.Wait(); err != nil {
			zap.L().Error("COMMAND ERROR", zap.Uint64("rank", rank), zap.Error(err))
		}
	}()
	return nil
}

// acceptWorker waits for the worker of the given rank to connect on l and
// performs the dispatcher side of the handshake: rank, then the working
// directory frame, then the serialized world frame.
func acceptWorker(l net.Listener, rank uint64, dir string, world *World) (net.Conn, error) {
	conn, err := l.Accept()
	if err != nil {
		return nil, fmt.Errorf("failed to accept worker %d: %w", rank, err)
	}

	if err := writeAll(conn, binary.LittleEndian.AppendUint64(nil, rank)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send rank: %w", err)
	}
	if err := writeFrame(conn, []byte(dir)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send working directory: %w", err)
	}
	if err := writeFrame(conn, SerializeWorld(world)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send world: %w", err)
	}
	return conn, nil
}

// outputLogger turns a remote output stream into one log entry per line.
type outputLogger struct {
	rank   uint64
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

var _ io.Writer = (*outputLogger)(nil)

func (o *outputLogger) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.Write(p)
	for {
		line, err := o.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			o.buf.WriteString(line)
			return len(p), nil
		}
		zap.L().Info("Command Output",
			zap.Uint64("rank", o.rank),
			zap.String("stream", o.stream),
			zap.String("message", strings.TrimRight(line, "\r\n")),
		)
	}
}
