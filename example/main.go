package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"

	gxserialline "github.com/Gurux/gxserialline-go"
	"github.com/Gurux/gxserialline-go/mqttbridge"
)

var (
	configFile = flag.String("c", "", "YAML configuration file")
	port       = flag.String("S", "", "Port name")
	baudRate   = flag.Int("b", 0, "Baud rate")
	dataBits   = flag.Int("d", 0, "DataBits (5, 6, 7, 8)")
	parity     = flag.String("p", "", "Parity (None, Odd, Even, Mark, Space)")
	message    = flag.String("m", "", "Send message as a line")
	t          = flag.String("t", "", "Trace level.")
	lang       = flag.String("lang", "", "Used language.")
	driver     = flag.String("driver", "", "Serial driver (bugst, tarm, native)")
	auto       = flag.Bool("auto", false, "Find the port with the handshake probe")
	broker     = flag.String("mqtt", "", "MQTT broker URL, for example tcp://127.0.0.1:1883")
	verbose    = flag.Bool("v", false, "Show status messages")
	list       = flag.Bool("l", false, "List serial ports and exit")
)

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if err := run(); err != nil {
		log.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}

func loadConfig() (*gxserialline.FileConfig, error) {
	fc := &gxserialline.FileConfig{}
	if *configFile != "" {
		var err error
		if fc, err = gxserialline.LoadConfig(*configFile); err != nil {
			return nil, err
		}
	}
	if *port != "" {
		fc.Port = *port
	}
	if *baudRate != 0 {
		fc.BaudRate = *baudRate
	}
	if *dataBits != 0 {
		fc.DataBits = *dataBits
	}
	if *parity != "" {
		fc.Parity = *parity
	}
	if *driver != "" {
		fc.Driver = *driver
	}
	if *auto {
		fc.AutoDetect.Enabled = true
	}
	if *broker != "" {
		fc.MQTT.Broker = *broker
	}
	return fc, nil
}

func listPorts() error {
	ports, err := gxserialline.NewGXPortRegistry().DetailedPorts()
	if err != nil {
		return fmt.Errorf("failed to get available serial ports: %w", err)
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("%s USB %s:%s %s %s\n", p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
		} else {
			fmt.Println(p.Name)
		}
	}
	return nil
}

func run() error {
	fc, err := loadConfig()
	if err != nil {
		return err
	}
	if *list {
		return listPorts()
	}
	if *configFile != "" && !fc.OpenOnStart && *port == "" && !*auto {
		return listPorts()
	}
	if fc.Port == "" && !fc.AutoDetect.Enabled {
		flag.PrintDefaults()
		return nil
	}
	cfg, err := fc.SessionConfig()
	if err != nil {
		return err
	}
	d, err := gxserialline.DriverByName(fc.Driver)
	if err != nil {
		return err
	}
	registry := gxserialline.NewGXPortRegistry()
	if len(fc.Ports) != 0 {
		registry.SetPorts(fc.Ports)
	}
	if len(fc.BaudRates) != 0 {
		bauds := make([]gxcommon.BaudRate, 0, len(fc.BaudRates))
		for _, b := range fc.BaudRates {
			bauds = append(bauds, gxcommon.BaudRate(b))
		}
		registry.SetBaudRates(bauds)
	}

	s := gxserialline.NewGXSession(
		gxserialline.WithDriver(d),
		gxserialline.WithRegistry(registry),
		gxserialline.WithLogger(log.Logger),
	)
	s.ShowDebugs(fc.ShowDebugs || *verbose)
	if *lang != "" {
		tag, err := language.Parse(*lang)
		if err != nil {
			return fmt.Errorf("error parsing language: %w", err)
		}
		s.Localize(tag)
	}
	if *t != "" {
		tl, err := gxcommon.TraceLevelParse(*t)
		if err != nil {
			return err
		}
		s.SetTrace(tl)
		s.SetOnTrace(func(tt gxcommon.TraceTypes, msg string) {
			fmt.Printf("Trace: %s\n", msg)
		})
	}
	s.SetOnFault(func(err error) {
		fmt.Fprintln(os.Stderr, "error:", err)
	})
	s.Subscribe(gxserialline.DataParsed, func(e gxserialline.Event) {
		fmt.Printf("Data: %s %q\n", e.Frame.Raw, e.Frame.Fields)
	})
	s.Subscribe(gxserialline.PortOpened, func(e gxserialline.Event) {
		fmt.Printf("Port opened: %s\n", e.Port)
	})
	s.Subscribe(gxserialline.PortClosed, func(e gxserialline.Event) {
		fmt.Printf("Port closed: %s\n", e.Port)
	})
	s.Subscribe(gxserialline.LineSent, func(e gxserialline.Event) {
		fmt.Printf("Line sent: %s\n", e.Data)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if fc.MQTT.Broker != "" {
		client, err := mqttbridge.Connect(mqttbridge.Options{
			Broker:         fc.MQTT.Broker,
			ClientID:       fc.MQTT.ClientID,
			ConnectTimeout: fc.MQTT.ConnectTimeout,
		})
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		b := mqttbridge.New(client, s, fc.MQTT.Prefix, fc.MQTT.QoS, log.Logger)
		if err := b.Attach(); err != nil {
			return err
		}
		defer func() {
			if err := b.Detach(); err != nil {
				log.Warn().Err(err).Msg("mqtt detach failed")
			}
		}()
	}

	if fc.AutoDetect.Enabled {
		s.SetConfig(cfg)
		if len(fc.Ports) == 0 {
			if _, err := s.RefreshPorts(); err != nil {
				return err
			}
		}
		err = s.AutoOpen(ctx)
	} else {
		err = s.Open(cfg)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error returned:", err)
		ret, lerr := d.PortNames()
		if lerr != nil {
			return fmt.Errorf("failed to get available serial ports: %w", lerr)
		}
		fmt.Fprintln(os.Stderr, "Available serial ports: "+strings.Join(ret, ","))
		return err
	}
	//Close the connection.
	defer func() {
		if err := s.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close failed:", err)
		}
		st := s.Stats()
		fmt.Printf("Sent %d bytes, received %d bytes, %d frames\n", st.BytesSent, st.BytesReceived, st.Frames)
	}()

	if *message != "" {
		if err := s.Send(*message, true); err != nil {
			return err
		}
	}
	if cfg.LoopMethod == gxserialline.LoopCooperative {
		for ctx.Err() == nil {
			if err := s.Step(); err != nil {
				return err
			}
		}
	} else {
		<-ctx.Done()
	}
	fmt.Printf("Exit\n")
	return nil
}
