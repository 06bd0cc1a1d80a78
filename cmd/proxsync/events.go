package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/kass/go-proximity-sync/pkg/catalog"
	"github.com/kass/go-proximity-sync/pkg/config"
	"github.com/kass/go-proximity-sync/pkg/models"
)

var eventFlags struct {
	title       string
	description string
	typ         string
	lat, lon    float64
	startsIn    time.Duration
	duration    time.Duration
	radius      int
	image       string
	link        string
	creator     string
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Create, list and delete map events",
}

var eventsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an event",
	RunE:  runEventsCreate,
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every event",
	Args:  cobra.NoArgs,
	RunE:  runEventsList,
}

var eventsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an event",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventsDelete,
}

func init() {
	f := eventsCreateCmd.Flags()
	f.StringVar(&eventFlags.title, "title", "", "Event title")
	f.StringVar(&eventFlags.description, "description", "", "Event description")
	f.StringVar(&eventFlags.typ, "type", models.EventQuest.String(), "Event type: quest, battle, social, treasure, boss, special")
	f.Float64Var(&eventFlags.lat, "lat", 0, "Latitude")
	f.Float64Var(&eventFlags.lon, "lon", 0, "Longitude")
	f.DurationVar(&eventFlags.startsIn, "starts-in", 0, "Delay before the event starts")
	f.DurationVar(&eventFlags.duration, "duration", time.Hour, "How long the event runs")
	f.IntVar(&eventFlags.radius, "radius", models.DefaultEventRadius, "Activation radius in meters")
	f.StringVar(&eventFlags.image, "image-url", "", "Image URL")
	f.StringVar(&eventFlags.link, "link", "", "External link")
	f.StringVar(&eventFlags.creator, "creator", "", "Creator user id")
	_ = eventsCreateCmd.MarkFlagRequired("title")
	_ = eventsCreateCmd.MarkFlagRequired("lat")
	_ = eventsCreateCmd.MarkFlagRequired("lon")

	eventsCmd.AddCommand(eventsCreateCmd, eventsListCmd, eventsDeleteCmd)
}

func openCatalog(cmd *cobra.Command) (*catalog.Catalog, closer, error) {
	logger := newLogger(cmd.ErrOrStderr())
	if cfg.Backend.Kind == config.BackendMemory {
		logger.Warn("The memory backend does not outlive this command")
	}
	b, closeBackend, err := openBackend(cmd.Context(), logger)
	if err != nil {
		return nil, nil, err
	}
	return catalog.New(b, logger, nil), closeBackend, nil
}

func runEventsCreate(cmd *cobra.Command, args []string) error {
	typ, err := models.ParseEventType(eventFlags.typ)
	if err != nil {
		return err
	}

	now := time.Now()
	start := now.Add(eventFlags.startsIn)
	e := models.NewEvent(eventFlags.title, eventFlags.description, typ,
		models.GeoPoint{Lat: eventFlags.lat, Lon: eventFlags.lon},
		start, start.Add(eventFlags.duration), now)
	e.Radius = eventFlags.radius
	e.ImageURL = eventFlags.image
	e.ExternalLink = eventFlags.link
	e.CreatorID = eventFlags.creator

	c, closeBackend, err := openCatalog(cmd)
	if err != nil {
		return err
	}
	defer closeBackend()

	id, err := c.Create(cmd.Context(), e)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runEventsList(cmd *cobra.Command, args []string) error {
	c, closeBackend, err := openCatalog(cmd)
	if err != nil {
		return err
	}
	defer closeBackend()

	events, err := c.List(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), eventsTable(events, time.Now()))
	return nil
}

func eventStatus(e models.Event, now time.Time) string {
	switch {
	case !e.IsActive:
		return "disabled"
	case e.IsExpired(now):
		return "expired"
	case e.IsUpcoming(now):
		return "upcoming"
	}
	return "active"
}

func eventRows(events []models.Event, now time.Time) [][]string {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{
			e.ID, e.Type.String(), e.Title, e.Location().String(),
			time.UnixMilli(e.StartTime).Format(time.RFC3339), eventStatus(e, now),
		})
	}
	return rows
}

func eventsTable(events []models.Event, now time.Time) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return subtitleStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("ID", "TYPE", "TITLE", "LOCATION", "STARTS", "STATUS").
		Rows(eventRows(events, now)...).
		String()
}

func runEventsDelete(cmd *cobra.Command, args []string) error {
	c, closeBackend, err := openCatalog(cmd)
	if err != nil {
		return err
	}
	defer closeBackend()
	return c.Delete(cmd.Context(), args[0])
}
